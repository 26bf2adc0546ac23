// Package redisstub is an in-process Redis protocol server implementing the
// stream commands the outcome publisher uses.
package redisstub

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

// Entry is one stream record with its fields in insertion order.
type Entry struct {
	ID     string
	Fields []string
}

// Value returns the value of field, if present.
func (e Entry) Value(field string) (string, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		if e.Fields[i] == field {
			return e.Fields[i+1], true
		}
	}
	return "", false
}

type Server struct {
	opts    Options
	ln      net.Listener
	certPEM []byte

	mu         sync.Mutex
	streams    map[string][]Entry
	failWrites int
	seq        int64

	closeOnce sync.Once
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	s := &Server{opts: opts, streams: make(map[string][]Entry)}
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		var cert tls.Certificate
		cert, s.certPEM, err = selfSigned()
		if err != nil {
			return nil, err
		}
		ln, err = tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}
	s.ln = ln
	go s.accept()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// CertPEM is the server certificate when TLS is enabled.
func (s *Server) CertPEM() []byte { return s.certPEM }

// Entries returns a copy of the records appended to stream.
func (s *Server) Entries(stream string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.streams[stream]...)
}

// FailNextWrites makes the next n XADD commands return an error.
func (s *Server) FailNextWrites(n int) {
	s.mu.Lock()
	s.failWrites = n
	s.mu.Unlock()
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ln.Close() })
	return err
}

func (s *Server) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.serve(conn)
	}
}

// Reply kinds understood by encode besides string (bulk), int64 and []any.
type (
	status   string
	errReply string
)

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if err := encode(w, s.exec(args, &authed)); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) exec(args []string, authed *bool) any {
	if len(args) == 0 {
		return errReply("ERR empty command")
	}
	switch name := strings.ToUpper(args[0]); name {
	case "PING":
		return status("PONG")
	case "HELLO":
		// RESP2 only, so clients fall back to AUTH.
		return errReply("ERR unknown command 'HELLO'")
	case "AUTH":
		if len(args) != 2 && len(args) != 3 {
			return errReply("ERR wrong number of arguments for 'auth'")
		}
		if s.opts.Password != "" && args[len(args)-1] != s.opts.Password {
			return errReply("WRONGPASS invalid username-password pair")
		}
		*authed = true
		return status("OK")
	case "SELECT", "CLIENT":
		return status("OK")
	default:
		if !*authed {
			return errReply("NOAUTH Authentication required.")
		}
		switch name {
		case "XADD":
			return s.xadd(args[1:])
		case "XLEN":
			if len(args) != 2 {
				return errReply("ERR wrong number of arguments for 'xlen'")
			}
			return int64(len(s.Entries(args[1])))
		case "XRANGE":
			if len(args) < 4 {
				return errReply("ERR wrong number of arguments for 'xrange'")
			}
			var out []any
			for _, e := range s.Entries(args[1]) {
				fields := make([]any, len(e.Fields))
				for i, f := range e.Fields {
					fields[i] = f
				}
				out = append(out, []any{e.ID, fields})
			}
			return out
		}
		return errReply(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// xadd handles: key [NOMKSTREAM] [MAXLEN [~|=] n] id field value [field value ...]
func (s *Server) xadd(args []string) any {
	if len(args) < 4 {
		return errReply("ERR wrong number of arguments for 'xadd'")
	}
	key, rest := args[0], args[1:]
	maxLen := -1
	for len(rest) > 0 {
		opt := strings.ToUpper(rest[0])
		if opt == "NOMKSTREAM" {
			rest = rest[1:]
			continue
		}
		if opt != "MAXLEN" {
			break
		}
		rest = rest[1:]
		if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return errReply("ERR syntax error")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n < 0 {
			return errReply("ERR value is not an integer or out of range")
		}
		maxLen = n
		rest = rest[1:]
	}
	if len(rest) < 3 || (len(rest)-1)%2 != 0 {
		return errReply("ERR wrong number of arguments for 'xadd'")
	}
	id, fields := rest[0], rest[1:]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errReply("ERR injected write failure")
	}
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	entries := append(s.streams[key], Entry{ID: id, Fields: append([]string(nil), fields...)})
	if maxLen >= 0 && len(entries) > maxLen {
		entries = entries[len(entries)-maxLen:]
	}
	s.streams[key] = entries
	return id
}

// readCommand reads one RESP array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for ; n > 0; n-- {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, want byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" || line[0] != want {
		return 0, fmt.Errorf("expected %q header, got %q", want, line)
	}
	return strconv.Atoi(line[1:])
}

func encode(w *bufio.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case status:
		_, err = fmt.Fprintf(w, "+%s\r\n", v)
	case errReply:
		_, err = fmt.Fprintf(w, "-%s\r\n", v)
	case string:
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = encode(w, item); err != nil {
				return err
			}
		}
	default:
		err = fmt.Errorf("cannot encode %T", v)
	}
	return err
}

func selfSigned() (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "redisstub"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	cert, err := tls.X509KeyPair(certPEM, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, certPEM, nil
}
