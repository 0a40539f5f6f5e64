package stratum

import "sync"

// maxLineLength bounds one inbound stratum message.
const maxLineLength = 16 * 1024

// lineBufferPool reuses the read buffers behind each session's scanner.
var lineBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

func getLineBuffer() *[]byte {
	return lineBufferPool.Get().(*[]byte)
}

func putLineBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) <= maxLineLength {
		lineBufferPool.Put(buf)
	}
}
