package main

import "github.com/agusx1211/waverun/internal/cli"

func main() {
	cli.Execute()
}
