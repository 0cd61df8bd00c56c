package main

import (
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

func main() {
	// Sandbox children re-execute this binary; they must be recognized
	// before any CLI machinery runs. Never returns for a child.
	sandbox.MaybeRunChild()

	Execute()
}
