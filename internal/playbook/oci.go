/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// OCI media types for playbook bundles.
const (
	MediaTypeBundleConfig  = "application/vnd.praetor.playbook.config.v1+json"
	MediaTypeBundleContent = "application/vnd.praetor.playbook.content.v1+yaml"
	bundleArtifactType     = "application/vnd.praetor.playbook.v1"
)

// Ref addresses a bundle in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef splits "registry/path[:tag][@digest]" into its parts.
func ParseRef(raw string) (*Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty bundle reference")
	}

	ref := &Ref{}
	if at := strings.Index(raw, "@"); at >= 0 {
		ref.Digest = raw[at+1:]
		raw = raw[:at]
	}
	// A colon after the last slash is a tag separator, not a port.
	if slash := strings.LastIndex(raw, "/"); slash >= 0 {
		if colon := strings.LastIndex(raw[slash:], ":"); colon >= 0 {
			ref.Tag = raw[slash+colon+1:]
			raw = raw[:slash+colon]
		}
	}

	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("bundle reference %q must look like registry/path[:tag]", raw)
	}
	ref.Registry = parts[0]
	ref.Path = parts[1]
	return ref, nil
}

// String renders the reference back to its textual form.
func (r *Ref) String() string {
	s := r.Registry + "/" + r.Path
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// BundleManifest is the config blob stored alongside the playbook content.
type BundleManifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"step_count"`
}

// PushResult reports a completed bundle push.
type PushResult struct {
	Ref         string `json:"ref"`
	Digest      string `json:"digest"`
	ContentSize int64  `json:"content_size"`
}

// PullResult reports a completed bundle pull.
type PullResult struct {
	Ref    string `json:"ref"`
	Digest string `json:"digest"`
	Name   string `json:"name,omitempty"`
}

// BundleClient pushes and pulls playbook bundles from OCI registries.
type BundleClient struct {
	// PlainHTTP allows insecure registries (dev/test only).
	PlainHTTP bool
	// Username for registry auth; anonymous when empty.
	Username string
	// Password for registry auth.
	Password string
}

// NewBundleClient creates a client for OCI registry operations.
func NewBundleClient() *BundleClient {
	return &BundleClient{}
}

// WithAuth sets registry credentials.
func (c *BundleClient) WithAuth(username, password string) *BundleClient {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables HTTP for dev registries.
func (c *BundleClient) WithPlainHTTP(plain bool) *BundleClient {
	c.PlainHTTP = plain
	return c
}

// Push validates the playbook document and publishes it under ref.
func (c *BundleClient) Push(ctx context.Context, document []byte, ref *Ref) (*PushResult, error) {
	pb, err := Parse(document)
	if err != nil {
		return nil, err
	}

	configBytes, err := json.Marshal(BundleManifest{
		Name:        pb.Name,
		Description: pb.Description,
		StepCount:   len(pb.Steps),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal bundle manifest: %w", err)
	}

	store := memory.New()

	if _, err := oras.PushBytes(ctx, store, MediaTypeBundleConfig, configBytes); err != nil {
		return nil, fmt.Errorf("stage config: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeBundleContent, document)
	if err != nil {
		return nil, fmt.Errorf("stage content: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, bundleArtifactType,
		oras.PackManifestOptions{Layers: []ocispec.Descriptor{contentDesc}})
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	pushed, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      pushed.Digest.String(),
		ContentSize: contentDesc.Size,
	}, nil
}

// Pull downloads a bundle and returns the playbook document bytes.
func (c *BundleClient) Pull(ctx context.Context, ref *Ref) ([]byte, *PullResult, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if pullRef == "" && ref.Digest == "" {
		pullRef = "latest"
	}
	if ref.Digest != "" {
		pullRef = ref.Digest
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestReader, err := store.Fetch(ctx, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	manifestData, err := io.ReadAll(manifestReader)
	_ = manifestReader.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeBundleContent {
			continue
		}
		reader, err := store.Fetch(ctx, layer)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch content layer: %w", err)
		}
		content, err = io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read content layer: %w", err)
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no playbook content layer in %s", ref.String())
	}

	result := &PullResult{Ref: ref.String(), Digest: manifestDesc.Digest.String()}
	if manifest.Config.Size > 0 {
		if reader, err := store.Fetch(ctx, manifest.Config); err == nil {
			if configData, err := io.ReadAll(reader); err == nil {
				var bm BundleManifest
				if json.Unmarshal(configData, &bm) == nil {
					result.Name = bm.Name
				}
			}
			_ = reader.Close()
		}
	}

	return content, result, nil
}

func (c *BundleClient) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Path)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = c.PlainHTTP
	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}
	return repo, nil
}
