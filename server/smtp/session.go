package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mailyard/mailyard/db"
	"github.com/mailyard/mailyard/pkg/metrics"
	serverPkg "github.com/mailyard/mailyard/server"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// SMTPSession is the per-connection submission state machine. It advances
// CONNECTED -> GREETED -> MAIL_FROM -> RCPT_TO and returns to GREETED after
// each completed transaction; QUIT terminates from any state.
type SMTPSession struct {
	serverPkg.Session
	server     *SMTPServer
	conn       net.Conn
	state      sessionState
	clientHost string
	sender     serverPkg.Address
	recipients []serverPkg.Address
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
}

func (s *SMTPSession) handleConnection() {
	defer s.cancel()
	defer s.close()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	fmt.Fprintf(writer, "220 %s SMTP Service Ready\r\n", s.server.localDomain)
	writer.Flush()

	s.Log("connected")

	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				fmt.Fprintf(writer, "421 %s Timeout exceeded, closing connection\r\n", s.server.localDomain)
				writer.Flush()
				s.Log("timed out")
			} else if err == io.EOF {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}

		if s.ctx.Err() != nil {
			s.Log("context cancelled, closing session")
			return
		}

		cmd, arg := serverPkg.ParseCommand(strings.TrimRight(line, "\r\n"))
		start := time.Now()
		var ok bool

		switch cmd {
		case "HELO", "EHLO":
			ok = s.cmdHelo(writer, cmd, arg)
		case "MAIL":
			ok = s.cmdMailFrom(writer, arg)
		case "RCPT":
			ok = s.cmdRcptTo(writer, arg)
		case "DATA":
			var terminate bool
			ok, terminate = s.cmdData(reader, writer, arg)
			if terminate {
				s.observe(cmd, start, ok)
				return
			}
		case "RSET":
			s.sender = serverPkg.Address{}
			s.recipients = nil
			if s.state != stateConnected {
				s.state = stateGreeted
			}
			fmt.Fprintf(writer, "250 OK\r\n")
			ok = true
		case "NOOP":
			fmt.Fprintf(writer, "250 OK\r\n")
			ok = true
		case "QUIT":
			fmt.Fprintf(writer, "221 %s closing connection\r\n", s.server.localDomain)
			writer.Flush()
			s.observe(cmd, start, true)
			s.Log("quit")
			return
		default:
			fmt.Fprintf(writer, "500 Syntax error, command unrecognized\r\n")
			s.Log("unknown command: %s", cmd)
		}

		s.observe(cmd, start, ok)
		writer.Flush()
	}
}

func (s *SMTPSession) cmdHelo(writer *bufio.Writer, cmd, arg string) bool {
	if arg == "" || strings.ContainsAny(arg, " \t") {
		fmt.Fprintf(writer, "500 Syntax error, command unrecognized\r\n")
		return false
	}
	if s.state != stateConnected {
		fmt.Fprintf(writer, "503 Bad sequence of commands\r\n")
		return false
	}
	s.clientHost = arg
	s.state = stateGreeted
	fmt.Fprintf(writer, "250 %s Hello %s\r\n", s.server.localDomain, s.clientHost)
	s.Log("greeted by %s (%s)", s.clientHost, cmd)
	return true
}

func (s *SMTPSession) cmdMailFrom(writer *bufio.Writer, arg string) bool {
	addr, err := s.parsePathArg(writer, arg, "FROM")
	if err != nil {
		return false
	}
	if s.state != stateGreeted {
		fmt.Fprintf(writer, "503 Bad sequence of commands\r\n")
		return false
	}
	if !addr.IsLocal(s.server.localDomain) {
		fmt.Fprintf(writer, "550 Sender not local\r\n")
		s.Log("rejected non-local sender %s", addr.FullAddress())
		return false
	}

	exists, err := s.server.auth.AccountExists(s.ctx, addr.LocalPart())
	if err != nil {
		fmt.Fprintf(writer, "451 Authentication service unavailable\r\n")
		s.Log("sender existence check failed: %v", err)
		return false
	}
	if !exists {
		fmt.Fprintf(writer, "550 Sender not recognized\r\n")
		s.Log("rejected unknown sender %s", addr.FullAddress())
		return false
	}

	s.sender = addr
	s.state = stateMailFrom
	fmt.Fprintf(writer, "250 Sender OK\r\n")
	s.Log("sender %s accepted", addr.FullAddress())
	return true
}

func (s *SMTPSession) cmdRcptTo(writer *bufio.Writer, arg string) bool {
	addr, err := s.parsePathArg(writer, arg, "TO")
	if err != nil {
		return false
	}
	if s.state != stateMailFrom && s.state != stateRcptTo {
		fmt.Fprintf(writer, "503 Bad sequence of commands\r\n")
		return false
	}
	if !addr.IsLocal(s.server.localDomain) {
		fmt.Fprintf(writer, "550 Recipient not local\r\n")
		s.Log("rejected non-local recipient %s", addr.FullAddress())
		return false
	}

	exists, err := s.server.auth.AccountExists(s.ctx, addr.LocalPart())
	if err != nil {
		fmt.Fprintf(writer, "451 Authentication service unavailable\r\n")
		s.Log("recipient existence check failed: %v", err)
		return false
	}
	if !exists {
		fmt.Fprintf(writer, "550 Recipient not found\r\n")
		s.Log("rejected unknown recipient %s", addr.FullAddress())
		return false
	}

	// Duplicates are permitted and accumulate; each produces its own copy.
	s.recipients = append(s.recipients, addr)
	s.state = stateRcptTo
	fmt.Fprintf(writer, "250 Recipient OK\r\n")
	s.Log("recipient %s accepted (%d total)", addr.FullAddress(), len(s.recipients))
	return true
}

// cmdData runs the data-input phase: acknowledge, read raw lines until a
// lone ".", split headers from body at the first blank line, and append one
// copy per accepted recipient. A connection drop mid-input aborts the
// message; nothing is persisted.
func (s *SMTPSession) cmdData(reader *bufio.Reader, writer *bufio.Writer, arg string) (ok, terminate bool) {
	if arg != "" {
		fmt.Fprintf(writer, "500 Syntax error, command unrecognized\r\n")
		return false, false
	}
	if s.state != stateRcptTo {
		fmt.Fprintf(writer, "503 Bad sequence of commands\r\n")
		return false, false
	}

	fmt.Fprintf(writer, "354 Start mail input; end with <CRLF>.<CRLF>\r\n")
	writer.Flush()

	var content strings.Builder
	for {
		if s.server.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			s.Log("connection lost during data input, message aborted: %v", err)
			return false, true
		}
		line = strings.TrimRight(line, "\r\n")
		// The terminator is an exact match; body lines starting with a
		// period are stored verbatim, without dot-unstuffing.
		if line == "." {
			break
		}
		content.WriteString(line)
		content.WriteString("\r\n")
	}

	subject, body := splitMessage(content.String())

	msg := &db.Message{
		Sender:  s.sender.FullAddress(),
		Subject: subject,
		Body:    body,
		Size:    int64(len(body)),
	}

	// At-least-once per recipient: a failed append is logged and does not
	// abort the remaining recipients or the overall acceptance.
	delivered := 0
	for _, rcpt := range s.recipients {
		if _, err := s.server.store.AppendMessage(s.ctx, rcpt.LocalPart(), msg); err != nil {
			metrics.MessagesDelivered.WithLabelValues("failure").Inc()
			s.Log("failed to deliver to %s: %v", rcpt.FullAddress(), err)
			continue
		}
		metrics.MessagesDelivered.WithLabelValues("success").Inc()
		delivered++
	}
	s.Log("delivered %d/%d copies (subject %q, %d bytes)", delivered, len(s.recipients), subject, msg.Size)

	s.sender = serverPkg.Address{}
	s.recipients = nil
	s.state = stateGreeted
	fmt.Fprintf(writer, "250 Message accepted for delivery\r\n")
	return true, false
}

func (s *SMTPSession) parsePathArg(writer *bufio.Writer, arg, keyword string) (serverPkg.Address, error) {
	raw, err := serverPkg.ParsePath(arg, keyword)
	if err != nil {
		fmt.Fprintf(writer, "500 Syntax error, command unrecognized\r\n")
		return serverPkg.Address{}, err
	}
	addr, err := serverPkg.NewAddress(raw)
	if err != nil {
		fmt.Fprintf(writer, "500 Syntax error, command unrecognized\r\n")
		return serverPkg.Address{}, err
	}
	return addr, nil
}

// splitMessage separates the accumulated text into subject and body: the
// text up to the first blank line is scanned case-insensitively for a
// Subject: header, everything after it is the body. Without a blank line
// the whole text is body and the subject is empty.
func splitMessage(content string) (subject, body string) {
	headerEnd := strings.Index(content, "\r\n\r\n")
	if headerEnd <= 0 {
		return "", content
	}
	for _, header := range strings.Split(content[:headerEnd], "\r\n") {
		if len(header) >= 8 && strings.EqualFold(header[:8], "subject:") {
			subject = strings.TrimSpace(header[8:])
			break
		}
	}
	return subject, content[headerEnd+4:]
}

func (s *SMTPSession) observe(cmd string, start time.Time, ok bool) {
	status := "failure"
	if ok {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues("smtp", cmd, status).Inc()
	metrics.CommandDuration.WithLabelValues("smtp", cmd).Observe(time.Since(start).Seconds())
}

func (s *SMTPSession) close() {
	s.conn.Close()
	total := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues("smtp").Dec()
	metrics.ConnectionDuration.WithLabelValues("smtp").Observe(time.Since(s.startTime).Seconds())
	s.Log("closed (connections: total=%d)", total)
}
