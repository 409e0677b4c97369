// Command replayd runs the experience replay engine.
package main

import (
	"context"
	"os"

	"replaycore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
