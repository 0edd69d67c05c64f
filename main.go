package main

import (
	"fmt"

	_ "go.uber.org/automaxprocs"

	"github.com/relaygrid/session-fabric/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
