package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/CosmoTheDev/covscan/cmd"
)

func main() {
	cmd.Execute()
}
