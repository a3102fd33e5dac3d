package main

import "github.com/ramiqadoumi/go-part-flow/services/api-gateway/cli"

func main() {
	cli.Execute()
}
