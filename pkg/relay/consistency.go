package relay

import (
	"errors"
	"fmt"

	"github.com/nordic-institute/X-Road-sub019/pkg/digest"
)

// ErrInconsistentResponse is returned when a response does not belong to
// the request it answers
var ErrInconsistentResponse = errors.New("response is not consistent with request")

// CheckConsistency verifies that resp answers req. When the response
// carries a request hash it must match the hash of reqRaw.
func CheckConsistency(req *Header, reqRaw []byte, resp *Header) error {
	if resp == nil {
		return fmt.Errorf("%w: response has no header", ErrInconsistentResponse)
	}
	mismatch := func(field string, want, got any) error {
		return fmt.Errorf("%w: %s %v != %v", ErrInconsistentResponse, field, got, want)
	}

	switch {
	case req.Client != resp.Client:
		return mismatch("client", req.Client, resp.Client)
	case req.Service != resp.Service:
		return mismatch("service", req.Service, resp.Service)
	case req.QueryID != resp.QueryID:
		return mismatch("id", req.QueryID, resp.QueryID)
	case req.UserID != resp.UserID:
		return mismatch("userId", req.UserID, resp.UserID)
	case req.ProtocolVersion != resp.ProtocolVersion:
		return mismatch("protocolVersion", req.ProtocolVersion, resp.ProtocolVersion)
	case req.Issue != resp.Issue:
		return mismatch("issue", req.Issue, resp.Issue)
	}

	if resp.RequestHash == nil {
		return nil
	}
	alg := digest.SHA512
	if uri := resp.RequestHash.Algorithm; uri != "" {
		var err error
		if alg, err = digest.ByURI(uri); err != nil {
			return fmt.Errorf("%w: request hash: %v", ErrInconsistentResponse, err)
		}
	}
	if alg.Base64(reqRaw) != resp.RequestHash.Value {
		return fmt.Errorf("%w: request hash does not match request", ErrInconsistentResponse)
	}
	return nil
}
