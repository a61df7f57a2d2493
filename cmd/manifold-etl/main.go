package main

import "manifold-etl/internal/cli"

func main() {
	cli.Execute()
}
