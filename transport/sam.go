package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
)

// SAMConfig describes the bridge endpoint of the overlay router.
type SAMConfig struct {
	// Address is the router host running the SAM bridge.
	Address string
	// TCPPort is the SAM control port.
	TCPPort uint16
	// UDPPort is the SAM datagram port.
	UDPPort uint16
	// Name is the session nickname.
	Name string
	// Host is our external address the bridge forwards datagrams to.
	Host string
	// Port is the local UDP port we listen on for forwarded datagrams.
	Port uint16
}

// SAMSession is a DATAGRAM-style session on a SAMv3 bridge. The control
// connection stays open for the session's lifetime; datagrams travel over
// UDP in both directions.
type SAMSession struct {
	cfg     SAMConfig
	control net.Conn
	udp     *net.UDPConn
	local   string
	recv    chan Inbound
	done    chan struct{}
}

var _ Transport = (*SAMSession)(nil)

const samHandshakeTimeout = 30 * time.Second

// DialSAM establishes a datagram session with the bridge and starts the
// inbound forwarding reader. Failure here is fatal for the daemon.
func DialSAM(ctx context.Context, cfg SAMConfig) (*SAMSession, error) {
	control, err := net.DialTimeout("tcp",
		fmt.Sprintf("%s:%d", cfg.Address, cfg.TCPPort), samHandshakeTimeout)
	if err != nil {
		return nil, errors.Errorf("sam: dial control: %w", err)
	}

	s := &SAMSession{
		cfg:     cfg,
		control: control,
		recv:    make(chan Inbound, 1024),
		done:    make(chan struct{}),
	}

	reader := bufio.NewReader(control)
	if err := s.handshake(reader); err != nil {
		control.Close()
		return nil, err
	}

	laddr := &net.UDPAddr{Port: int(cfg.Port)}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		control.Close()
		return nil, errors.Errorf("sam: listen udp: %w", err)
	}
	s.udp = udp

	if err := s.createSession(reader); err != nil {
		udp.Close()
		control.Close()
		return nil, err
	}

	local, err := s.lookup(reader, "ME")
	if err != nil {
		udp.Close()
		control.Close()
		return nil, err
	}
	s.local = local

	logtrace.Info(ctx, "SAM session established", logtrace.Fields{
		logtrace.FieldModule: "transport",
		"session":            cfg.Name,
		"destination":        local[:16] + "...",
	})

	go s.readLoop(ctx)
	go s.keepAlive(reader)
	return s, nil
}

func (s *SAMSession) command(line string) error {
	s.control.SetWriteDeadline(time.Now().Add(samHandshakeTimeout))
	_, err := s.control.Write([]byte(line + "\n"))
	return err
}

func (s *SAMSession) handshake(reader *bufio.Reader) error {
	if err := s.command("HELLO VERSION MIN=3.0 MAX=3.1"); err != nil {
		return errors.Errorf("sam: hello: %w", err)
	}
	reply, err := s.reply(reader, "HELLO REPLY")
	if err != nil {
		return err
	}
	if reply["RESULT"] != "OK" {
		return errors.Errorf("sam: hello rejected: %s", reply["RESULT"])
	}
	return nil
}

func (s *SAMSession) createSession(reader *bufio.Reader) error {
	cmd := fmt.Sprintf(
		"SESSION CREATE STYLE=DATAGRAM ID=%s DESTINATION=TRANSIENT PORT=%d",
		s.cfg.Name, s.cfg.Port)
	if s.cfg.Host != "" {
		cmd += " HOST=" + s.cfg.Host
	}
	if err := s.command(cmd); err != nil {
		return errors.Errorf("sam: session create: %w", err)
	}
	reply, err := s.reply(reader, "SESSION STATUS")
	if err != nil {
		return err
	}
	if reply["RESULT"] != "OK" {
		return errors.Errorf("sam: session rejected: %s %s",
			reply["RESULT"], reply["MESSAGE"])
	}
	return nil
}

func (s *SAMSession) lookup(reader *bufio.Reader, name string) (string, error) {
	if err := s.command("NAMING LOOKUP NAME=" + name); err != nil {
		return "", errors.Errorf("sam: naming lookup: %w", err)
	}
	reply, err := s.reply(reader, "NAMING REPLY")
	if err != nil {
		return "", err
	}
	if reply["RESULT"] != "OK" {
		return "", errors.Errorf("sam: naming lookup failed: %s", reply["RESULT"])
	}
	return reply["VALUE"], nil
}

// reply reads control lines until one with the expected verb arrives and
// returns its KEY=VALUE fields.
func (s *SAMSession) reply(reader *bufio.Reader, verb string) (map[string]string, error) {
	for {
		s.control.SetReadDeadline(time.Now().Add(samHandshakeTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, errors.Errorf("sam: read reply: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, verb) {
			continue
		}

		fields := map[string]string{}
		for _, tok := range strings.Fields(strings.TrimPrefix(line, verb)) {
			if k, v, ok := strings.Cut(tok, "="); ok {
				fields[k] = v
			}
		}
		return fields, nil
	}
}

// Send writes one datagram through the bridge's UDP port with the v3
// routing header line.
func (s *SAMSession) Send(destination string, payload []byte) error {
	header := fmt.Sprintf("3.0 %s %s\n", s.cfg.Name, destination)
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	buf = append(buf, payload...)

	raddr := &net.UDPAddr{
		IP:   net.ParseIP(s.cfg.Address),
		Port: int(s.cfg.UDPPort),
	}
	if raddr.IP == nil {
		ips, err := net.LookupIP(s.cfg.Address)
		if err != nil || len(ips) == 0 {
			return errors.Errorf("sam: resolve bridge: %w", err)
		}
		raddr.IP = ips[0]
	}

	_, err := s.udp.WriteToUDP(buf, raddr)
	return err
}

// readLoop turns forwarded UDP datagrams into Inbound packets. Each
// datagram starts with the sender's destination on its own line.
func (s *SAMSession) readLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				logtrace.Error(ctx, "SAM datagram read failed", logtrace.Fields{
					logtrace.FieldModule: "transport",
					logtrace.FieldError:  err.Error(),
				})
			}
			close(s.recv)
			return
		}

		data := buf[:n]
		nl := -1
		for i, b := range data {
			if b == '\n' {
				nl = i
				break
			}
		}
		if nl < 0 {
			logtrace.Warn(ctx, "Forwarded datagram without header line", logtrace.Fields{
				logtrace.FieldModule: "transport",
			})
			continue
		}

		from := strings.Fields(string(data[:nl]))
		if len(from) == 0 {
			continue
		}
		payload := append([]byte(nil), data[nl+1:]...)

		select {
		case s.recv <- Inbound{From: from[0], Data: payload}:
		case <-s.done:
			close(s.recv)
			return
		}
	}
}

// keepAlive drains unsolicited control lines (PING in 3.2+, session
// death notices) and tears the session down when the control connection
// drops.
func (s *SAMSession) keepAlive(reader *bufio.Reader) {
	for {
		s.control.SetReadDeadline(time.Time{})
		if _, err := reader.ReadString('\n'); err != nil {
			select {
			case <-s.done:
			default:
				s.udp.Close()
			}
			return
		}
	}
}

// Receive returns the inbound queue.
func (s *SAMSession) Receive() <-chan Inbound {
	return s.recv
}

// LocalDestination returns our session's base64 destination.
func (s *SAMSession) LocalDestination() string {
	return s.local
}

// Close shuts both the control connection and the UDP socket down.
func (s *SAMSession) Close() error {
	close(s.done)
	s.udp.Close()
	return s.control.Close()
}
