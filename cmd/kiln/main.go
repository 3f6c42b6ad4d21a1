package main

import "github.com/santiagomed/kiln/cli"

func main() {
	cli.Execute()
}
