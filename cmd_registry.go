package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"

	"github.com/ryanmoran/stackrun/internal/registry"
)

// manifestSummary is what manifest prints for one manifest.
type manifestSummary struct {
	Image     string               `json:"image"`
	Tag       string               `json:"tag,omitempty"`
	Digest    digest.Digest        `json:"digest"`
	MediaType string               `json:"mediaType,omitempty"`
	Config    *ocispec.Descriptor  `json:"config,omitempty"`
	Layers    []ocispec.Descriptor `json:"layers,omitempty"`
	Manifests []ocispec.Descriptor `json:"manifests,omitempty"`
}

func summarize(image, tag string, manifest registry.Manifest) manifestSummary {
	return manifestSummary{
		Image:     image,
		Tag:       tag,
		Digest:    manifest.Digest,
		MediaType: manifest.MediaType,
		Config:    manifest.Config,
		Layers:    manifest.Layers,
		Manifests: manifest.Manifests,
	}
}

func newManifestCommand(app *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "manifest IMAGE",
		Short: "Fetch an image manifest from its registry",
		Long: `Manifest fetches IMAGE's manifest straight from the registry, negotiating
Basic or Bearer authentication with credentials from <REGISTRY>_USER and
<REGISTRY>_PASSWORD or the docker config file.

Examples:
  stackrun manifest alpine
  stackrun manifest registry.example.com/team/app:1.2 --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := app.registryAuth()
			if err != nil {
				return err
			}

			ref := registry.ParseReference(args[0])
			if err := ref.Validate(); err != nil {
				return err
			}

			if !all {
				manifest, err := auth.Manifest(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to fetch manifest of %q: %w", ref, err)
				}
				return app.writer.PrintJSON(summarize(ref.Name(), ref.Tag, manifest))
			}

			manifests, err := auth.Client(ref.Registry).AllManifests(cmd.Context(), ref.Path)
			if err != nil {
				return fmt.Errorf("failed to fetch manifests of %q: %w", ref.Name(), err)
			}

			summaries := make([]manifestSummary, 0, len(manifests))
			for _, tag := range slices.Sorted(maps.Keys(manifests)) {
				summaries = append(summaries, summarize(ref.Name(), tag, manifests[tag]))
			}
			return app.writer.PrintJSON(summaries)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Fetch the manifest of every tag")
	return cmd
}

func newTagsCommand(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tags IMAGE",
		Short: "List the tags of an image repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auth, err := app.registryAuth()
			if err != nil {
				return err
			}

			tags, err := auth.Tags(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to list tags of %q: %w", args[0], err)
			}
			for _, tag := range tags {
				app.writer.Println(tag)
			}
			return nil
		},
	}
}
