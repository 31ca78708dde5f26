package main

import "finpatrol/internal/cli"

func main() {
	cli.Execute()
}
