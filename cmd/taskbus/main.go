package main

import "github.com/UniQw/taskbus/internal/cli"

func main() {
	cli.Execute()
}
