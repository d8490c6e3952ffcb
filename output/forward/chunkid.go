package forward

import (
	"fmt"
	"sync"
	"time"
)

const chunkIDSuffix = ".ff"

var chunkIDLock = &sync.Mutex{}
var chunkIDEpochNano int64
var chunkIDSequence int32

// nextChunkID returns a unique message ID made of a nanosecond timestamp and a sequence number
//
// The sequence number is only incremented when the clock hasn't moved since the last call
func nextChunkID() string {
	chunkIDLock.Lock()
	timestamp := time.Now().UnixNano()
	if timestamp > chunkIDEpochNano {
		chunkIDEpochNano = timestamp
		chunkIDSequence = 0
	} else {
		timestamp = chunkIDEpochNano
		chunkIDSequence++
	}
	sequence := chunkIDSequence
	chunkIDLock.Unlock()
	return fmt.Sprintf("%019d-%08d"+chunkIDSuffix, timestamp, sequence)
}
