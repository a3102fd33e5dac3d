package main

import "github.com/ramiqadoumi/go-part-flow/services/worker/cli"

func main() {
	cli.Execute()
}
