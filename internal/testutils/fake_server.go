package testutils

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// FakeServer is an in-memory memcached speaking the text protocol, for
// client tests. Expiration times are accepted and ignored.
type FakeServer struct {
	listener net.Listener

	mu     sync.Mutex
	items  map[string]fakeItem
	casSeq uint64
	conns  map[net.Conn]struct{}
	lines  []string
	silent bool

	wg sync.WaitGroup
}

type fakeItem struct {
	flags uint32
	data  []byte
	cas   uint64
}

// NewFakeServer starts a server on a random local port.
func NewFakeServer() (*FakeServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &FakeServer{
		listener: listener,
		items:    make(map[string]fakeItem),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *FakeServer) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the server and closes every connection.
func (s *FakeServer) Close() {
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every client connection. The server keeps
// accepting new ones.
func (s *FakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// ConnectionCount returns the number of open client connections.
func (s *FakeServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// SetSilent makes the server read commands without ever answering.
func (s *FakeServer) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Lines returns the command lines received so far.
func (s *FakeServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *FakeServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *FakeServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")

		s.mu.Lock()
		s.lines = append(s.lines, line)
		silent := s.silent
		s.mu.Unlock()

		if err := s.handle(line, r, w); err != nil {
			return
		}

		if silent {
			w.Reset(conn)
			continue
		}
		if r.Buffered() == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func (s *FakeServer) handle(line string, r *bufio.Reader, w *bufio.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		_, err := w.WriteString("ERROR\r\n")
		return err
	}

	switch verb := fields[0]; verb {
	case "get", "gets":
		s.handleGet(fields[1:], verb == "gets", w)
	case "set", "add", "replace", "append", "prepend", "cas":
		return s.handleStorage(verb, fields[1:], r, w)
	case "delete":
		s.handleDelete(fields[1:], w)
	case "touch":
		s.handleTouch(fields[1:], w)
	case "incr", "decr":
		s.handleArithmetic(verb == "incr", fields[1:], w)
	case "version":
		w.WriteString("VERSION 1.6.21-fake\r\n")
	default:
		w.WriteString("ERROR\r\n")
	}
	return nil
}

func (s *FakeServer) handleGet(keys []string, withCAS bool, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		item, ok := s.items[key]
		if !ok {
			continue
		}
		if withCAS {
			fmt.Fprintf(w, "VALUE %s %d %d %d\r\n", key, item.flags, len(item.data), item.cas)
		} else {
			fmt.Fprintf(w, "VALUE %s %d %d\r\n", key, item.flags, len(item.data))
		}
		w.Write(item.data)
		w.WriteString("\r\n")
	}
	w.WriteString("END\r\n")
}

func (s *FakeServer) handleStorage(verb string, args []string, r *bufio.Reader, w *bufio.Writer) error {
	if len(args) < 4 || (verb == "cas" && len(args) < 5) {
		_, err := w.WriteString("CLIENT_ERROR bad command line format\r\n")
		return err
	}

	flags, err1 := strconv.ParseUint(args[1], 10, 32)
	size, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || size < 0 {
		_, err := w.WriteString("CLIENT_ERROR bad command line format\r\n")
		return err
	}

	block := make([]byte, size+2)
	if _, err := io.ReadFull(r, block); err != nil {
		return err
	}
	if string(block[size:]) != "\r\n" {
		_, err := w.WriteString("CLIENT_ERROR bad data chunk\r\n")
		return err
	}
	data := block[:size]
	key := args[0]

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.items[key]
	switch verb {
	case "add":
		if exists {
			w.WriteString("NOT_STORED\r\n")
			return nil
		}
	case "replace", "append", "prepend":
		if !exists {
			w.WriteString("NOT_STORED\r\n")
			return nil
		}
	case "cas":
		cas, err := strconv.ParseUint(args[4], 10, 64)
		if err != nil {
			w.WriteString("CLIENT_ERROR bad command line format\r\n")
			return nil
		}
		if !exists {
			w.WriteString("NOT_FOUND\r\n")
			return nil
		}
		if existing.cas != cas {
			w.WriteString("EXISTS\r\n")
			return nil
		}
	}

	item := fakeItem{flags: uint32(flags), data: data}
	switch verb {
	case "append":
		item = fakeItem{flags: existing.flags, data: append(existing.data[:len(existing.data):len(existing.data)], data...)}
	case "prepend":
		item = fakeItem{flags: existing.flags, data: append(data[:len(data):len(data)], existing.data...)}
	}

	s.casSeq++
	item.cas = s.casSeq
	s.items[key] = item

	w.WriteString("STORED\r\n")
	return nil
}

func (s *FakeServer) handleDelete(args []string, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(args) < 1 {
		w.WriteString("ERROR\r\n")
		return
	}
	if _, ok := s.items[args[0]]; !ok {
		w.WriteString("NOT_FOUND\r\n")
		return
	}
	delete(s.items, args[0])
	w.WriteString("DELETED\r\n")
}

func (s *FakeServer) handleTouch(args []string, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(args) < 2 {
		w.WriteString("ERROR\r\n")
		return
	}
	if _, ok := s.items[args[0]]; !ok {
		w.WriteString("NOT_FOUND\r\n")
		return
	}
	w.WriteString("TOUCHED\r\n")
}

func (s *FakeServer) handleArithmetic(incr bool, args []string, w *bufio.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(args) < 2 {
		w.WriteString("ERROR\r\n")
		return
	}
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		w.WriteString("CLIENT_ERROR invalid numeric delta argument\r\n")
		return
	}

	item, ok := s.items[args[0]]
	if !ok {
		w.WriteString("NOT_FOUND\r\n")
		return
	}
	current, err := strconv.ParseUint(string(item.data), 10, 64)
	if err != nil {
		w.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return
	}

	switch {
	case incr:
		current += delta
	case delta > current:
		current = 0
	default:
		current -= delta
	}

	s.casSeq++
	item.data = []byte(strconv.FormatUint(current, 10))
	item.cas = s.casSeq
	s.items[args[0]] = item

	fmt.Fprintf(w, "%d\r\n", current)
}
