package tcplistener

import (
	"bytes"
)

type readFunc func(p []byte) (n int, err error)
type recordFunc func(record []byte)
type startTester func(line []byte) bool

// recordReader splits a byte stream into newline-delimited records, kept in one reusable buffer
//
// In single-line mode (nil start tester) every non-empty line is a record and is emitted as soon as its newline
// arrives.
//
// In multi-line mode a record is a start line followed by any number of continuation lines, for example:
//
//	2019-08-15T15:50:46 ERROR request failed
//	  at handler.go:12
//	  at server.go:40
//	2019-08-15T15:50:47 INFO next message
//
// Only the start of a record can be recognized, so a record is emitted when the start of the next one arrives or
// when the owner calls Flush after a read timeout. Lines before the first recognized start are discarded.
//
// Emitted records don't include the trailing newline and may be longer than the limit; the buffer they point to
// is reused after the callback returns.
type recordReader struct {
	read          readFunc
	isRecordStart startTester // nil for single-line mode
	emit          recordFunc
	limit         int    // soft limit of record length; a record is forcibly emitted when it can't fit
	buf           []byte // preallocated buffer
	searchFrom    int    // start of the last incomplete line in buf
	appendAt      int    // end of data in buf
}

func newRecordReader(read readFunc, isRecordStart startTester, minBufferSize, limit int, emit recordFunc) *recordReader {
	bufSize := limit * 3
	if minBufferSize > bufSize {
		bufSize = minBufferSize
	}
	return &recordReader{
		read:          read,
		isRecordStart: isRecordStart,
		emit:          emit,
		limit:         limit,
		buf:           make([]byte, bufSize),
	}
}

// Read reads the next block into buffer and emits complete records
func (rr *recordReader) Read() error {
	n, err := rr.read(rr.buf[rr.appendAt:])
	if n > 0 {
		if rr.isRecordStart == nil {
			rr.splitLines(rr.appendAt + n)
		} else {
			rr.splitRecords(rr.appendAt + n)
		}
	}
	return err
}

// Flush considers the buffered multi-line record complete and emits it
//
// An unfinished last line is kept
func (rr *recordReader) Flush() {
	data := rr.buf[:rr.appendAt]
	end := bytes.LastIndexByte(data, '\n')
	if end == -1 {
		return
	}
	if record := data[:end]; rr.accepts(record) {
		rr.emit(record)
	}
	rr.appendAt = copy(rr.buf, data[end+1:])
	rr.searchFrom = 0
}

// FlushAll is like Flush but also emits the unfinished last line, for end of input
func (rr *recordReader) FlushAll() {
	record := rr.buf[:rr.appendAt]
	if len(record) > 0 && record[len(record)-1] == '\n' {
		record = record[:len(record)-1]
	}
	if rr.accepts(record) {
		rr.emit(record)
	}
	rr.reset()
}

func (rr *recordReader) accepts(record []byte) bool {
	if len(record) == 0 {
		return false
	}
	return rr.isRecordStart == nil || rr.isRecordStart(record)
}

func (rr *recordReader) reset() {
	rr.appendAt = 0
	rr.searchFrom = 0
}

func (rr *recordReader) splitLines(dataEnd int) {
	data := rr.buf[:dataEnd]
	lineStart := 0
	for {
		rel := bytes.IndexByte(data[lineStart:], '\n')
		if rel == -1 {
			break
		}
		if line := data[lineStart : lineStart+rel]; len(line) > 0 {
			rr.emit(line)
		}
		lineStart += rel + 1
	}
	rr.appendAt = copy(rr.buf, data[lineStart:])
	rr.searchFrom = rr.appendAt
	if len(rr.buf)-rr.appendAt < rr.limit {
		// oversized line without newline
		rr.emit(rr.buf[:rr.appendAt])
		rr.reset()
	}
}

func (rr *recordReader) splitRecords(dataEnd int) {
	recordStart := 0
	searchStart := rr.searchFrom
	data := rr.buf[:dataEnd]
	for {
		rel := bytes.IndexByte(data[searchStart:], '\n')
		if rel == -1 {
			break
		}
		lineEnd := searchStart + rel
		// only test lines following an earlier line: [record L1, '\n', record L2, '\n', next L1, '\n']
		if searchStart > 0 && searchStart < lineEnd && rr.isRecordStart(data[searchStart:lineEnd]) {
			rr.emit(data[recordStart : searchStart-1])
			recordStart = searchStart
		}
		searchStart = lineEnd + 1
	}
	if recordStart > 0 {
		rr.appendAt = copy(rr.buf, data[recordStart:])
		rr.searchFrom = searchStart - recordStart
	} else {
		rr.appendAt = dataEnd
		rr.searchFrom = searchStart
	}
	rr.checkOverflow()
}

func (rr *recordReader) checkOverflow() {
	if len(rr.buf)-rr.appendAt >= rr.limit {
		return
	}
	data := rr.buf[:rr.appendAt]
	defer rr.reset()
	if rr.searchFrom > 0 {
		if next := data[rr.searchFrom:]; rr.isRecordStart(next) {
			if prev := data[:rr.searchFrom-1]; rr.isRecordStart(prev) {
				rr.emit(prev)
			}
			rr.emit(next)
			return
		}
	}
	if rr.isRecordStart(data) {
		rr.emit(data)
	}
}
