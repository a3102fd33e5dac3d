package main

import "github.com/ramiqadoumi/go-part-flow/services/janitor/cli"

func main() {
	cli.Execute()
}
