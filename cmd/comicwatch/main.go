package main

import "github.com/ppiankov/comicwatch/internal/cli"

func main() {
	cli.Execute()
}
