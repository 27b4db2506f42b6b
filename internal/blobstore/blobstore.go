// Package blobstore persists call recordings at the path scheme
// {tenant_id}/{campaign_id}/{call_id}.wav. The local-filesystem
// implementation here is the default; a cloud object-store implementation
// is a drop-in behind the same Store interface.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists and retrieves recording blobs by tenant/campaign/call.
type Store interface {
	// Put writes data at the path derived from tenantID/campaignID/callID
	// and returns the path it was stored at.
	Put(tenantID, campaignID, callID string, data []byte) (string, error)
}

// sanitize forbids path separators in an ID component so a malicious or
// malformed tenant/campaign/call ID cannot escape the blob root.
func sanitize(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("blobstore: empty path component")
	}
	if strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("blobstore: path component %q must not contain a path separator", id)
	}
	return id, nil
}

// FilesystemStore writes recordings under a root directory, mirroring the
// {tenant_id}/{campaign_id}/{call_id}.wav scheme as nested directories.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a FilesystemStore rooted at dir, creating it
// if it does not exist.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %s: %w", dir, err)
	}
	return &FilesystemStore{root: dir}, nil
}

// Put writes data to {root}/{tenant_id}/{campaign_id}/{call_id}.wav.
func (s *FilesystemStore) Put(tenantID, campaignID, callID string, data []byte) (string, error) {
	tenantID, err := sanitize(tenantID)
	if err != nil {
		return "", err
	}
	campaignID, err = sanitize(campaignID)
	if err != nil {
		return "", err
	}
	callID, err = sanitize(callID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, tenantID, campaignID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blobstore: creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, callID+".wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("blobstore: writing %s: %w", path, err)
	}
	return fmt.Sprintf("%s/%s/%s.wav", tenantID, campaignID, callID), nil
}
