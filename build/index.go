package build

import (
	"github.com/outofforest/build"
	"github.com/outofforest/buildgo"
)

// Commands is a definition of commands available in build system
var Commands = map[string]build.Command{
	"test": {Fn: goTests, Description: "Runs unit tests with the test build tag shrinking scanner buffers"},
}

func init() {
	buildgo.AddCommands(Commands)
}
