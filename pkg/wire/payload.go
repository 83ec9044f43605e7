package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/quartzsched/quartz/pkg/bitmap"
)

// RCBody is the payload of a RESPONSE_SLURM_RC message: a signed return
// code (0 on success, a pkg/errs wire code otherwise) plus a short
// human-readable message.
type RCBody struct {
	ReturnCode int32
	Message    string
}

// EncodeRC serializes an RCBody: i32 return_code, u32 message_length,
// message bytes (UTF-8).
func EncodeRC(b RCBody) []byte {
	msg := []byte(b.Message)
	out := make([]byte, 8+len(msg))
	binary.BigEndian.PutUint32(out[0:4], uint32(b.ReturnCode))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(msg)))
	copy(out[8:], msg)
	return out
}

// DecodeRC parses a payload produced by EncodeRC.
func DecodeRC(buf []byte) (RCBody, error) {
	if len(buf) < 8 {
		return RCBody{}, fmt.Errorf("wire: rc body too short (%d bytes)", len(buf))
	}
	rc := int32(binary.BigEndian.Uint32(buf[0:4]))
	n := binary.BigEndian.Uint32(buf[4:8])
	if len(buf) != int(8+n) {
		return RCBody{}, fmt.Errorf("wire: rc body length mismatch")
	}
	return RCBody{ReturnCode: rc, Message: string(buf[8 : 8+n])}, nil
}

// PutString appends a length-prefixed UTF-8 string: u32 length, bytes.
func PutString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

// GetString reads a length-prefixed UTF-8 string written by PutString,
// returning the string and the remainder of buf.
func GetString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("wire: string length prefix truncated")
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, fmt.Errorf("wire: string body truncated")
	}
	return string(buf[:n]), buf[n:], nil
}

// PutBitmap appends a bitmap's wire pack form, as produced by
// (*bitmap.Bitmap).Pack.
func PutBitmap(buf []byte, b *bitmap.Bitmap) []byte {
	return append(buf, b.Pack()...)
}

// PutUint32 appends a big-endian u32.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// GetUint32 reads a big-endian u32 from the front of buf, returning the
// value and the remainder.
func GetUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("wire: uint32 truncated")
	}
	return binary.BigEndian.Uint32(buf[0:4]), buf[4:], nil
}

// PutUint64 appends a big-endian u64.
func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// GetUint64 reads a big-endian u64 from the front of buf, returning the
// value and the remainder.
func GetUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("wire: uint64 truncated")
	}
	return binary.BigEndian.Uint64(buf[0:8]), buf[8:], nil
}

// JobFilter narrows a job query or a batch cancel to the jobs matching
// every non-empty/non-zero field, mirroring scancel's filter flags
// (-A, -n, -p, -q, -R, -u, -w, -t, --me). Empty/zero fields are
// wildcards.
type JobFilter struct {
	JobIDs      []uint64 // explicit job ids; other fields still apply if set
	Account     string
	Name        string
	Partition   string
	QoS         string
	Reservation string
	User        string // empty means no user filter; "me" resolved by caller
	NodeList    string
	States      []string
	BatchOnly   bool
	Full        bool
	Hurry       bool
}

// PutJobFilter serializes a JobFilter.
func PutJobFilter(buf []byte, f JobFilter) []byte {
	buf = PutUint32(buf, uint32(len(f.JobIDs)))
	for _, id := range f.JobIDs {
		buf = PutUint64(buf, id)
	}
	buf = PutString(buf, f.Account)
	buf = PutString(buf, f.Name)
	buf = PutString(buf, f.Partition)
	buf = PutString(buf, f.QoS)
	buf = PutString(buf, f.Reservation)
	buf = PutString(buf, f.User)
	buf = PutString(buf, f.NodeList)
	buf = PutUint32(buf, uint32(len(f.States)))
	for _, s := range f.States {
		buf = PutString(buf, s)
	}
	var flags byte
	if f.BatchOnly {
		flags |= 1
	}
	if f.Full {
		flags |= 2
	}
	if f.Hurry {
		flags |= 4
	}
	return append(buf, flags)
}

// GetJobFilter parses a JobFilter written by PutJobFilter.
func GetJobFilter(buf []byte) (JobFilter, []byte, error) {
	var f JobFilter
	n, buf, err := GetUint32(buf)
	if err != nil {
		return f, nil, fmt.Errorf("wire: job filter id count: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var id uint64
		id, buf, err = GetUint64(buf)
		if err != nil {
			return f, nil, fmt.Errorf("wire: job filter id: %w", err)
		}
		f.JobIDs = append(f.JobIDs, id)
	}
	fields := []*string{&f.Account, &f.Name, &f.Partition, &f.QoS, &f.Reservation, &f.User, &f.NodeList}
	for _, p := range fields {
		*p, buf, err = GetString(buf)
		if err != nil {
			return f, nil, fmt.Errorf("wire: job filter string field: %w", err)
		}
	}
	n, buf, err = GetUint32(buf)
	if err != nil {
		return f, nil, fmt.Errorf("wire: job filter state count: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var s string
		s, buf, err = GetString(buf)
		if err != nil {
			return f, nil, fmt.Errorf("wire: job filter state: %w", err)
		}
		f.States = append(f.States, s)
	}
	if len(buf) < 1 {
		return f, nil, fmt.Errorf("wire: job filter flags truncated")
	}
	flags := buf[0]
	f.BatchOnly = flags&1 != 0
	f.Full = flags&2 != 0
	f.Hurry = flags&4 != 0
	return f, buf[1:], nil
}

// CancelJobBody is the payload of a REQUEST_CANCEL_JOB message: either
// an explicit job id or a filter, plus the signal to deliver (0 means
// the default full-termination signal chain).
type CancelJobBody struct {
	Filter JobFilter
	Signal int32
}

// PutCancelJob serializes a CancelJobBody.
func PutCancelJob(b CancelJobBody) []byte {
	buf := PutJobFilter(nil, b.Filter)
	return PutUint32(buf, uint32(b.Signal))
}

// GetCancelJob parses a payload produced by PutCancelJob.
func GetCancelJob(buf []byte) (CancelJobBody, error) {
	f, buf, err := GetJobFilter(buf)
	if err != nil {
		return CancelJobBody{}, err
	}
	sig, _, err := GetUint32(buf)
	if err != nil {
		return CancelJobBody{}, fmt.Errorf("wire: cancel job signal: %w", err)
	}
	return CancelJobBody{Filter: f, Signal: int32(sig)}, nil
}

// JobSummary is one row of a ResponseJobList reply: enough to print a
// scancel/squeue-style listing and to target a follow-up cancel.
type JobSummary struct {
	JobID     uint64
	Name      string
	Partition string
	State     string
	User      string
}

// PutJobList serializes a slice of JobSummary for ResponseJobList.
func PutJobList(jobs []JobSummary) []byte {
	buf := PutUint32(nil, uint32(len(jobs)))
	for _, j := range jobs {
		buf = PutUint64(buf, j.JobID)
		buf = PutString(buf, j.Name)
		buf = PutString(buf, j.Partition)
		buf = PutString(buf, j.State)
		buf = PutString(buf, j.User)
	}
	return buf
}

// GetJobList parses a payload produced by PutJobList.
func GetJobList(buf []byte) ([]JobSummary, error) {
	n, buf, err := GetUint32(buf)
	if err != nil {
		return nil, fmt.Errorf("wire: job list count: %w", err)
	}
	jobs := make([]JobSummary, 0, n)
	for i := uint32(0); i < n; i++ {
		var j JobSummary
		var id uint64
		id, buf, err = GetUint64(buf)
		if err != nil {
			return nil, fmt.Errorf("wire: job list id: %w", err)
		}
		j.JobID = id
		for _, p := range []*string{&j.Name, &j.Partition, &j.State, &j.User} {
			*p, buf, err = GetString(buf)
			if err != nil {
				return nil, fmt.Errorf("wire: job list field: %w", err)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CertIssueRequest is the payload of a REQUEST_CERT_ISSUE message: a
// join token authenticating the request, carried in place of mTLS
// since the requester has no certificate yet.
type CertIssueRequest struct {
	NodeID string
	Token  string
}

// PutCertIssueRequest serializes a CertIssueRequest.
func PutCertIssueRequest(r CertIssueRequest) []byte {
	buf := PutString(nil, r.NodeID)
	return PutString(buf, r.Token)
}

// GetCertIssueRequest parses a payload produced by PutCertIssueRequest.
func GetCertIssueRequest(buf []byte) (CertIssueRequest, error) {
	nodeID, buf, err := GetString(buf)
	if err != nil {
		return CertIssueRequest{}, fmt.Errorf("wire: cert issue node id: %w", err)
	}
	token, _, err := GetString(buf)
	if err != nil {
		return CertIssueRequest{}, fmt.Errorf("wire: cert issue token: %w", err)
	}
	return CertIssueRequest{NodeID: nodeID, Token: token}, nil
}

// CertIssueResponse carries the PEM-encoded certificate, private key,
// and CA certificate issued for a CertIssueRequest, plus the
// controller's raw Ed25519 credential-signing public key so an agent
// can verify job credentials without a separate round trip.
type CertIssueResponse struct {
	Certificate      []byte
	PrivateKey       []byte
	CACert           []byte
	SigningPublicKey []byte
}

// PutCertIssueResponse serializes a CertIssueResponse.
func PutCertIssueResponse(r CertIssueResponse) []byte {
	buf := PutUint32(nil, uint32(len(r.Certificate)))
	buf = append(buf, r.Certificate...)
	buf = PutUint32(buf, uint32(len(r.PrivateKey)))
	buf = append(buf, r.PrivateKey...)
	buf = PutUint32(buf, uint32(len(r.CACert)))
	buf = append(buf, r.CACert...)
	buf = PutUint32(buf, uint32(len(r.SigningPublicKey)))
	buf = append(buf, r.SigningPublicKey...)
	return buf
}

// getBytes reads a u32-length-prefixed byte blob from the front of buf.
func getBytes(buf []byte) ([]byte, []byte, error) {
	n, buf, err := GetUint32(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("wire: byte blob truncated")
	}
	return buf[:n], buf[n:], nil
}

// GetCertIssueResponse parses a payload produced by PutCertIssueResponse.
func GetCertIssueResponse(buf []byte) (CertIssueResponse, error) {
	cert, buf, err := getBytes(buf)
	if err != nil {
		return CertIssueResponse{}, fmt.Errorf("wire: cert issue certificate: %w", err)
	}
	key, buf, err := getBytes(buf)
	if err != nil {
		return CertIssueResponse{}, fmt.Errorf("wire: cert issue key: %w", err)
	}
	ca, buf, err := getBytes(buf)
	if err != nil {
		return CertIssueResponse{}, fmt.Errorf("wire: cert issue ca: %w", err)
	}
	signingPub, _, err := getBytes(buf)
	if err != nil {
		return CertIssueResponse{}, fmt.Errorf("wire: cert issue signing key: %w", err)
	}
	return CertIssueResponse{Certificate: cert, PrivateKey: key, CACert: ca, SigningPublicKey: signingPub}, nil
}

// NodeRegistration is the payload of a REQUEST_NODE_REGISTRATION_STATUS
// message: an agent announcing itself (first contact) or reporting its
// current resource counts (periodic heartbeat).
type NodeRegistration struct {
	Name        string
	Address     string
	CPUCores    uint32
	MemoryMB    uint32
}

// PutNodeRegistration serializes a NodeRegistration.
func PutNodeRegistration(r NodeRegistration) []byte {
	buf := PutString(nil, r.Name)
	buf = PutString(buf, r.Address)
	buf = PutUint32(buf, r.CPUCores)
	return PutUint32(buf, r.MemoryMB)
}

// GetNodeRegistration parses a payload produced by PutNodeRegistration.
func GetNodeRegistration(buf []byte) (NodeRegistration, error) {
	name, buf, err := GetString(buf)
	if err != nil {
		return NodeRegistration{}, fmt.Errorf("wire: node registration name: %w", err)
	}
	addr, buf, err := GetString(buf)
	if err != nil {
		return NodeRegistration{}, fmt.Errorf("wire: node registration address: %w", err)
	}
	cores, buf, err := GetUint32(buf)
	if err != nil {
		return NodeRegistration{}, fmt.Errorf("wire: node registration cpu cores: %w", err)
	}
	mem, _, err := GetUint32(buf)
	if err != nil {
		return NodeRegistration{}, fmt.Errorf("wire: node registration memory: %w", err)
	}
	return NodeRegistration{Name: name, Address: addr, CPUCores: cores, MemoryMB: mem}, nil
}

// GetBitmap reads a bitmap wire pack from the front of buf, returning
// the parsed bitmap and the remainder.
func GetBitmap(buf []byte) (*bitmap.Bitmap, []byte, error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("wire: bitmap header truncated")
	}
	nwords := binary.BigEndian.Uint32(buf[4:8])
	total := 8 + int(nwords)*8
	if len(buf) < total {
		return nil, nil, fmt.Errorf("wire: bitmap body truncated")
	}
	b, err := bitmap.Unpack(buf[:total])
	if err != nil {
		return nil, nil, err
	}
	return b, buf[total:], nil
}
