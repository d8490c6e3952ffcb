package forward

import (
	"fmt"

	"github.com/relex/fluentlib/protocol/forwardprotocol"
)

// VerifyMode checks whether the given message mode is supported
func VerifyMode(mode forwardprotocol.MessageMode) error {
	switch mode {
	case "":
		return fmt.Errorf("message mode is unspecified")
	case forwardprotocol.ModeForward:
	case forwardprotocol.ModePackedForward:
	case forwardprotocol.ModeCompressedPackedForward:
	default:
		return fmt.Errorf("'%s' is not a valid message mode", mode)
	}
	return nil
}
