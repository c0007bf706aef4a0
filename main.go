package main

import (
	"github.com/conneroisu/trlx/cmd"
	_ "github.com/conneroisu/trlx/pkg/methods/pg"
)

func main() {
	cmd.Execute()
}
