package mux

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolHTTP
)

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST"),
	[]byte("PUT "),
	[]byte("HEAD"),
	[]byte("OPTI"), // OPTIONS
	[]byte("PATC"), // PATCH
	[]byte("DELE"), // DELETE
	[]byte("CONN"), // CONNECT
}

// detectProtocol peeks at the first bytes to determine protocol type.
// Raw TCP clients may wait for the server to speak first, so a connection
// that stays silent for timeout is treated as TCP.
func detectProtocol(conn net.Conn, timeout time.Duration) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocolTCP, reader, err
	}
	peek, err := reader.Peek(4)
	if resetErr := conn.SetReadDeadline(time.Time{}); resetErr != nil {
		return protocolTCP, reader, resetErr
	}
	if err != nil {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return protocolTCP, reader, err
		}
	}

	for _, method := range httpMethods {
		if len(peek) == len(method) && bytes.Equal(peek, method) {
			return protocolHTTP, reader, nil
		}
	}
	return protocolTCP, reader, nil
}
