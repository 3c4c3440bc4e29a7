package main

import "marketsync/internal/cli"

func main() {
	cli.Execute()
}
