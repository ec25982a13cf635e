package vm

import "github.com/stride-os/kernel/internal/kerr"

var errOutOfFrames = kerr.New(kerr.OutOfResources, "vm: out of physical frames")
