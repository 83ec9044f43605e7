// Package wire implements the controller<->agent RPC envelope: a
// fixed-order, length-prefixed, big-endian binary framing used by
// cmd/ctld, cmd/agentd, cmd/scancel and pkg/client instead of a
// gRPC/protobuf transport.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quartzsched/quartz/pkg/errs"
)

// ProtocolVersion identifies the wire envelope's wire-format revision,
// not the application-level message schema within Body.
type ProtocolVersion uint16

const (
	// MinSupportedVersion is the oldest protocol_version this build
	// accepts. Anything older hard-fails per the compatibility policy:
	// silently accepting a stale envelope risks misreading packed
	// bitmap word counts.
	MinSupportedVersion ProtocolVersion = 1
	// CurrentVersion is the version this build emits.
	CurrentVersion ProtocolVersion = 1
)

// MsgType enumerates the application message kinds carried in Body.
type MsgType uint16

const (
	_ MsgType = iota
	RequestBatchJobLaunch
	RequestLaunchTasks
	RequestSignalTasks
	RequestTerminateTasks
	RequestKillJob
	RequestKillTimelimit
	RequestNodeRegistrationStatus
	RequestPing
	RequestReconfigure
	RequestJobNotify
	RequestShutdown

	// Client-facing requests: cmd/scancel and pkg/client talk these to
	// cmd/ctld's RPC surface, as distinct from the controller<->agent
	// messages above.
	RequestCancelJob
	RequestQueryJobs
	RequestCertIssue

	ResponseSlurmRC
	ResponseJobInfo
	ResponseNodeInfo
	ResponseLaunchTasks
	ResponsePong
	ResponseJobList
	ResponseCertIssue
)

// maxBodyLength bounds a single envelope's body to guard against a
// corrupt or hostile length prefix driving an unbounded allocation.
const maxBodyLength = 64 << 20

// Envelope is the wire frame: protocol_version, msg_type, body_length,
// body, and an authentication credential blob (opaque to this package;
// pkg/credential produces and verifies it).
type Envelope struct {
	ProtocolVersion ProtocolVersion
	MsgType         MsgType
	Body            []byte
	AuthCred        []byte
}

// Encode serializes e onto w: u16 version, u16 msg_type, u32 body_length,
// body bytes, u32 auth_cred_length, auth_cred bytes — all big-endian.
func Encode(w io.Writer, e *Envelope) error {
	if len(e.Body) > maxBodyLength {
		return fmt.Errorf("wire: body length %d exceeds max %d", len(e.Body), maxBodyLength)
	}
	var header [8]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(e.ProtocolVersion))
	binary.BigEndian.PutUint16(header[2:4], uint16(e.MsgType))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(e.Body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(e.Body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	var credLen [4]byte
	binary.BigEndian.PutUint32(credLen[:], uint32(len(e.AuthCred)))
	if _, err := w.Write(credLen[:]); err != nil {
		return fmt.Errorf("wire: write auth_cred length: %w", err)
	}
	if _, err := w.Write(e.AuthCred); err != nil {
		return fmt.Errorf("wire: write auth_cred: %w", err)
	}
	return nil
}

// Decode reads one Envelope from r; it only parses bytes. Rejecting a
// protocol version that predates MinSupportedVersion is left to
// CheckVersion, which callers invoke explicitly and which returns a
// ConfigurationError-kind failure.
func Decode(r io.Reader) (*Envelope, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("wire: read header: %w", err)
	}
	e := &Envelope{
		ProtocolVersion: ProtocolVersion(binary.BigEndian.Uint16(header[0:2])),
		MsgType:         MsgType(binary.BigEndian.Uint16(header[2:4])),
	}
	bodyLen := binary.BigEndian.Uint32(header[4:8])
	if bodyLen > maxBodyLength {
		return nil, fmt.Errorf("wire: body length %d exceeds max %d", bodyLen, maxBodyLength)
	}
	e.Body = make([]byte, bodyLen)
	if _, err := io.ReadFull(br, e.Body); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	var credLen [4]byte
	if _, err := io.ReadFull(br, credLen[:]); err != nil {
		return nil, fmt.Errorf("wire: read auth_cred length: %w", err)
	}
	n := binary.BigEndian.Uint32(credLen[:])
	if n > maxBodyLength {
		return nil, fmt.Errorf("wire: auth_cred length %d exceeds max %d", n, maxBodyLength)
	}
	e.AuthCred = make([]byte, n)
	if _, err := io.ReadFull(br, e.AuthCred); err != nil {
		return nil, fmt.Errorf("wire: read auth_cred: %w", err)
	}
	return e, nil
}

// CheckVersion hard-fails envelopes older than MinSupportedVersion, per
// the compatibility policy: no best-effort acceptance of stale frames.
func CheckVersion(v ProtocolVersion) error {
	if v < MinSupportedVersion {
		return errs.New(errs.ConfigurationError, "wire.CheckVersion",
			fmt.Sprintf("protocol_version %d older than minimum supported %d", v, MinSupportedVersion))
	}
	return nil
}
