package timestamp

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.mozilla.org/pkcs7"
)

// DefaultPolicy is the TSA policy identifier placed in issued tokens.
var DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 61004, 1, 1}

// Authority is a minimal RFC 3161 time-stamp authority. It is used for
// development setups and as the counterpart of Client in tests.
type Authority struct {
	cert *x509.Certificate
	key  crypto.Signer

	mu     sync.Mutex
	serial int64
	status int
	now    func() time.Time
}

// NewAuthority creates an authority signing tokens with key.
func NewAuthority(cert *x509.Certificate, key crypto.Signer) *Authority {
	return &Authority{cert: cert, key: key, status: StatusGranted, now: time.Now}
}

// SetStatus makes the authority answer with the given PKI status.
func (a *Authority) SetStatus(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

// Issue creates a TimeStampResp for an encoded TimeStampReq.
func (a *Authority) Issue(reqDER []byte) ([]byte, error) {
	var req timeStampReq
	if _, err := asn1.Unmarshal(reqDER, &req); err != nil {
		return nil, fmt.Errorf("decoding timestamp request: %w", err)
	}

	a.mu.Lock()
	a.serial++
	serial := a.serial
	status := a.status
	a.mu.Unlock()

	if status != StatusGranted && status != StatusGrantedWithMods {
		return asn1.Marshal(timeStampResp{Status: pkiStatusInfo{Status: status}})
	}

	content, err := asn1.Marshal(tstInfo{
		Version:        1,
		Policy:         DefaultPolicy,
		MessageImprint: req.MessageImprint,
		SerialNumber:   big.NewInt(serial),
		GenTime:        a.now().UTC().Truncate(time.Second),
		Nonce:          req.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding TSTInfo: %w", err)
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(a.cert, a.key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	token, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("finishing token: %w", err)
	}

	return asn1.Marshal(timeStampResp{
		Status:         pkiStatusInfo{Status: status},
		TimeStampToken: asn1.RawValue{FullBytes: token},
	})
}

// ServeHTTP implements http.Handler
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != ContentTypeQuery {
		http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := a.Issue(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", ContentTypeReply)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}
