package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ryanmoran/stackrun/internal/registry"
	"github.com/ryanmoran/stackrun/internal/transport"
)

// Image is the subset of GET /images/{name}/json this client reads.
type Image struct {
	ID          string   `json:"Id"`
	RepoTags    []string `json:"RepoTags"`
	RepoDigests []string `json:"RepoDigests"`
}

// ImageInspect looks up a local image. ok is false when the engine does not
// have it.
func (c Client) ImageInspect(ctx context.Context, name string) (Image, bool, error) {
	var image Image
	err := c.call(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/images/" + name + "/json",
	}, &image, http.StatusOK)
	if IsNotFound(err) {
		return Image{}, false, nil
	}
	if err != nil {
		return Image{}, false, fmt.Errorf("failed to inspect image %q: %w", name, err)
	}
	return image, true, nil
}

// ImagePull pulls ref, sending registryAuth as X-Registry-Auth when set.
// The engine streams progress messages; an error message in the stream fails
// the pull even though the status was 200.
func (c Client) ImagePull(ctx context.Context, ref registry.Reference, registryAuth string) error {
	query := url.Values{}
	if ref.Digest != "" {
		query.Set("fromImage", ref.Name()+"@"+ref.Digest)
	} else {
		query.Set("fromImage", ref.Name())
		query.Set("tag", ref.Tag)
	}

	header := http.Header{}
	if registryAuth != "" {
		header.Set("X-Registry-Auth", registryAuth)
	}

	resp, err := c.send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/images/create",
		Query:  query,
		Header: header,
	})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref.String(), err)
	}
	if err := resp.Expect(http.StatusOK); err != nil {
		return fmt.Errorf("failed to pull image %q: %w\nCheck the image name and registry credentials", ref.String(), err)
	}
	defer resp.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var output struct {
			Status      string `json:"status"`
			ID          string `json:"id"`
			ErrorDetail struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"errorDetail"`
			Error string `json:"error"`
		}
		err := decoder.Decode(&output)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to decode pull output: %w\nDocker may have returned malformed JSON", err)
		}

		if output.ErrorDetail.Message != "" || output.Error != "" {
			message := output.ErrorDetail.Message
			if message == "" {
				message = output.Error
			}
			return fmt.Errorf("docker pull of %q failed: %s\nCheck the image name and registry credentials", ref.String(), message)
		}

		c.log.Debug().Str("image", ref.String()).Str("layer", output.ID).Msg(output.Status)
	}
}

// EnsureImage pulls image unless the engine already has it.
func (c Client) EnsureImage(ctx context.Context, image string) error {
	_, ok, err := c.ImageInspect(ctx, image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	ref := registry.ParseReference(image)
	if err := ref.Validate(); err != nil {
		return err
	}

	registryAuth, err := c.RegistryAuth(ctx, image)
	if err != nil {
		return err
	}

	c.log.Info().Str("image", ref.String()).Msg("pulling image")
	return c.ImagePull(ctx, ref, registryAuth)
}

// RegistryAuth returns the X-Registry-Auth value for image, or "" when no
// credentials are configured. Credentials are validated with the engine
// first and an identity token it returns replaces the password.
func (c Client) RegistryAuth(ctx context.Context, image string) (string, error) {
	if c.auth == nil {
		return "", nil
	}

	config, ok, err := c.auth.AuthConfig(image)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	login, err := c.Login(ctx, config)
	if err != nil {
		return "", err
	}
	if login.IdentityToken != "" {
		config.IdentityToken = login.IdentityToken
		config.Password = ""
	}

	return registry.EncodeAuthConfig(config)
}
