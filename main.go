package main

import (
	"github.com/jwoglom/hwmanager/cmd"
)

func main() {
	cmd.Execute()
}
