package transfer

import (
	"github.com/adamwoolhether/hoist/transfer/engine"
)

// Version reports the transfer engine's version string.
func Version() string {
	return engine.Version
}
