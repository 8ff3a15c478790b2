package main

import "github.com/11PRIMUS/memento3/internal/cli"

func main() {
	cli.Execute()
}
