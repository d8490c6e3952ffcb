package transceiver

import (
	"github.com/relex/slog-relay/base"
)

// channelHandler reacts to state changes of channels created for a Transceiver
//
// Notifications come from I/O goroutines, so anything that takes the connection lock is done asynchronously.
type channelHandler struct {
	tr *Transceiver
}

func (h *channelHandler) HandleChannelEvent(evt base.ChannelEvent) {
	tr := h.tr
	switch evt.Kind {
	case base.ChannelOpened:
		tr.logger.Debugf("channel opened: %s", evt.Channel.RemoteAddr())
	case base.ChannelPeerClosed:
		tr.logger.Infof("remote peer %s closed connection", tr.address)
		go tr.disconnect(evt.Channel, false, true, errPeerClosed)
	case base.ChannelException:
		tr.logger.Warnf("connection error: %v", evt.Cause)
		go tr.disconnect(evt.Channel, false, true, evt.Cause)
	case base.ChannelClosed:
		tr.logger.Debug("channel closed")
		if tr.stopping.Load() {
			tr.release()
		}
	}
}
