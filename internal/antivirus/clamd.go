package antivirus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dvloznov/mdraft/internal/reliability"
)

const clamdChunkSize = 8 << 10

// Clamd scans over the clamd INSTREAM protocol.
type Clamd struct {
	addr    string
	timeout time.Duration
	guard   *reliability.Guard
}

func NewClamd(addr string, guard *reliability.Guard) *Clamd {
	return &Clamd{addr: addr, timeout: 60 * time.Second, guard: guard}
}

func (c *Clamd) Name() string { return "clamd" }

func (c *Clamd) Scan(ctx context.Context, name string, data []byte) (Verdict, error) {
	if c.guard == nil {
		return c.scan(ctx, data)
	}
	return reliability.Call(ctx, c.guard, func(ctx context.Context) (Verdict, error) {
		return c.scan(ctx, data)
	})
}

func (c *Clamd) scan(ctx context.Context, data []byte) (Verdict, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return Verdict{}, fmt.Errorf("dial clamd: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Verdict{}, fmt.Errorf("clamd command: %w", err)
	}

	var size [4]byte
	for off := 0; off < len(data); off += clamdChunkSize {
		end := min(off+clamdChunkSize, len(data))
		binary.BigEndian.PutUint32(size[:], uint32(end-off))
		if _, err := conn.Write(size[:]); err != nil {
			return Verdict{}, fmt.Errorf("clamd chunk size: %w", err)
		}
		if _, err := conn.Write(data[off:end]); err != nil {
			return Verdict{}, fmt.Errorf("clamd chunk: %w", err)
		}
	}
	binary.BigEndian.PutUint32(size[:], 0)
	if _, err := conn.Write(size[:]); err != nil {
		return Verdict{}, fmt.Errorf("clamd terminator: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes(0)
	if err != nil && len(reply) == 0 {
		return Verdict{}, fmt.Errorf("clamd reply: %w", err)
	}
	return parseClamdReply(string(bytes.TrimRight(reply, "\x00\n")))
}

// parseClamdReply understands "stream: OK", "stream: <sig> FOUND" and
// "<msg> ERROR".
func parseClamdReply(reply string) (Verdict, error) {
	reply = strings.TrimSpace(reply)
	body := reply
	if i := strings.Index(reply, ": "); i >= 0 {
		body = reply[i+2:]
	}

	switch {
	case body == "OK":
		return Verdict{Clean: true}, nil
	case strings.HasSuffix(body, " FOUND"):
		return Verdict{Clean: false, Signature: strings.TrimSuffix(body, " FOUND")}, nil
	case strings.HasSuffix(body, " ERROR"):
		err := fmt.Errorf("clamd: %s", strings.TrimSuffix(body, " ERROR"))
		if strings.Contains(body, "size limit exceeded") {
			return Verdict{}, reliability.Permanent(err)
		}
		return Verdict{}, err
	}
	return Verdict{}, fmt.Errorf("clamd: unexpected reply %q", reply)
}
