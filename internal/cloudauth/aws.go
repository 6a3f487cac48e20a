package cloudauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// AWSSigner signs outbound requests with AWS Signature Version 4. Unlike a
// fixed transport, the region is chosen per request so one signer serves
// every Bedrock deployment the catalog knows about.
type AWSSigner struct {
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	service string
}

// NewAWSSigner loads the default AWS credential chain and returns a signer
// for the given service (e.g. "bedrock-runtime").
func NewAWSSigner(ctx context.Context, service string) (*AWSSigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: load AWS config: %w", err)
	}
	return &AWSSigner{
		creds:   cfg.Credentials,
		signer:  v4.NewSigner(),
		service: service,
	}, nil
}

// Sign buffers the request body for the SHA-256 payload hash and signs the
// request in place for the given region.
func (s *AWSSigner) Sign(ctx context.Context, r *http.Request, region string) error {
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("cloudauth: read body for signing: %w", err)
		}
		r.Body.Close()
	}

	hash := sha256.Sum256(bodyBytes)
	payloadHash := hex.EncodeToString(hash[:])

	if len(bodyBytes) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		r.ContentLength = int64(len(bodyBytes))
	} else {
		r.Body = http.NoBody
		r.ContentLength = 0
	}

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}

	if err := s.signer.SignHTTP(ctx, creds, r, payloadHash, s.service, region, time.Now()); err != nil {
		return fmt.Errorf("cloudauth: sign request: %w", err)
	}
	return nil
}
