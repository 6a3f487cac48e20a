// Package cloudauth provides authentication plumbing for cloud-hosted
// upstreams: GCP OAuth bearer tokens via Application Default Credentials
// and AWS SigV4 request signing.
package cloudauth
