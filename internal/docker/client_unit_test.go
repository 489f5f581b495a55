package docker_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/moby/moby/api/types/registry"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/api/types/volume"
	"github.com/ryanmoran/stackrun/internal/docker"
	stackregistry "github.com/ryanmoran/stackrun/internal/registry"
	"github.com/ryanmoran/stackrun/internal/stream"
	"github.com/ryanmoran/stackrun/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilters(t *testing.T) {
	t.Run("encodes map of maps", func(t *testing.T) {
		encoded, err := docker.NewFilters().
			Add("type", "config").
			Add("type", "secret").
			Namespace("jobs").
			Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"type": {"config": true, "secret": true},
			"label": {"com.docker.stack.namespace=jobs": true}
		}`, encoded)
	})

	t.Run("empty namespace adds nothing", func(t *testing.T) {
		assert.Empty(t, docker.NewFilters().Namespace(""))
	})
}

func TestClientPing(t *testing.T) {
	t.Run("reads version headers", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				assert.Equal(t, "/_ping", r.Path)
				resp := respond(r, http.StatusOK, "OK")
				resp.Header.Set("API-Version", "1.52")
				resp.Header.Set("OSType", "linux")
				return resp, nil
			},
		}

		ping, err := docker.NewClient(mock).Ping(context.Background())
		require.NoError(t, err)
		assert.Equal(t, docker.PingResult{APIVersion: "1.52", OSType: "linux", Status: "OK"}, ping)
	})

	t.Run("wraps transport failures", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return nil, &transport.TransportError{Endpoint: "unix:///var/run/docker.sock", Op: "GET /_ping", Err: errors.New("connection refused")}
			},
		}

		_, err := docker.NewClient(mock).Ping(context.Background())
		var transportErr *transport.TransportError
		require.ErrorAs(t, err, &transportErr)
		assert.Contains(t, err.Error(), "failed to ping docker daemon")
	})
}

func TestClientVersion(t *testing.T) {
	mock := &mockDoer{
		sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			return respond(r, http.StatusOK, map[string]string{"Version": "29.0.0", "ApiVersion": "1.52", "Os": "linux"}), nil
		},
	}

	version, err := docker.NewClient(mock).Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "29.0.0", version.Version)
	assert.Equal(t, "1.52", version.APIVersion)
	assert.Equal(t, "linux", version.Os)
}

func TestClientContainerRemove(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusConflict} {
		t.Run("tolerates "+http.StatusText(status), func(t *testing.T) {
			mock := &mockDoer{
				sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
					assert.Equal(t, http.MethodDelete, r.Method)
					assert.Equal(t, "1", r.Query.Get("force"))
					return respond(r, status, nil), nil
				},
			}
			require.NoError(t, docker.NewClient(mock).ContainerRemove(context.Background(), "abc", true))
		})
	}

	t.Run("reports other statuses with the body", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusInternalServerError, `{"message":"driver failed"}`), nil
			},
		}

		err := docker.NewClient(mock).ContainerRemove(context.Background(), "abc", true)
		var protocolErr *transport.ProtocolError
		require.ErrorAs(t, err, &protocolErr)
		assert.Equal(t, http.StatusInternalServerError, protocolErr.StatusCode)
		assert.Contains(t, err.Error(), "driver failed")
	})
}

func TestClientServiceDelete(t *testing.T) {
	t.Run("tolerates an already deleted service", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusNotFound, `{"message":"service not found"}`), nil
			},
		}
		require.NoError(t, docker.NewClient(mock).ServiceDelete(context.Background(), "svc"))
	})

	t.Run("fails on other statuses", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusServiceUnavailable, `{"message":"not a swarm manager"}`), nil
			},
		}
		err := docker.NewClient(mock).ServiceDelete(context.Background(), "svc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to delete service")
	})
}

func TestClientServiceLogs(t *testing.T) {
	t.Run("demultiplexes and trims", func(t *testing.T) {
		body := append(stream.EncodeFrame(stream.Primary, []byte("  hello\n")), stream.EncodeFrame(stream.Secondary, []byte("oops\n"))...)
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				assert.Equal(t, "/services/svc/logs", r.Path)
				assert.Equal(t, "1", r.Query.Get("stdout"))
				assert.Equal(t, "1", r.Query.Get("stderr"))
				return respond(r, http.StatusOK, body), nil
			},
		}

		stdout, stderr, err := docker.NewClient(mock).ServiceLogs(context.Background(), "svc", docker.LogsOptions{Stdout: true, Stderr: true})
		require.NoError(t, err)
		assert.Equal(t, "hello", string(stdout))
		assert.Equal(t, "oops", string(stderr))
	})

	t.Run("passes tty output through", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusOK, "raw output\r\n"), nil
			},
		}

		stdout, _, err := docker.NewClient(mock).ServiceLogs(context.Background(), "svc", docker.LogsOptions{Stdout: true, TTY: true})
		require.NoError(t, err)
		assert.Equal(t, "raw output", string(stdout))
	})
}

func TestClientServicesNamed(t *testing.T) {
	mock := &mockDoer{
		sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			assert.JSONEq(t, `{"name":{"job":true}}`, r.Query.Get("filters"))
			return respond(r, http.StatusOK, []swarm.Service{
				{ID: "1", Spec: swarm.ServiceSpec{Annotations: swarm.Annotations{Name: "job"}}},
				{ID: "2", Spec: swarm.ServiceSpec{Annotations: swarm.Annotations{Name: "job-extra"}}},
			}), nil
		},
	}

	services, err := docker.NewClient(mock).ServicesNamed(context.Background(), "job")
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "1", services[0].ID)
}

func TestClientServiceLabelWrite(t *testing.T) {
	mock := &mockDoer{}
	mock.sendFunc = func(ctx context.Context, r transport.Request) (*transport.Response, error) {
		switch r.Path {
		case "/services":
			service := swarm.Service{ID: "svc-1", Spec: swarm.ServiceSpec{Annotations: swarm.Annotations{
				Name:   "web",
				Labels: map[string]string{"keep": "me"},
			}}}
			service.Version.Index = 42
			return respond(r, http.StatusOK, []swarm.Service{service}), nil
		case "/services/svc-1/update":
			assert.Equal(t, "42", r.Query.Get("version"))
			spec := r.Body.(swarm.ServiceSpec)
			assert.Equal(t, map[string]string{"keep": "me", "deployed": "yes"}, spec.Labels)
			return respond(r, http.StatusOK, map[string]any{}), nil
		}
		t.Fatalf("unexpected request %s %s", r.Method, r.Path)
		return nil, nil
	}

	require.NoError(t, docker.NewClient(mock).ServiceLabelWrite(context.Background(), "web", "deployed", "yes"))
	assert.Equal(t, 1, mock.count(http.MethodPost, "/services/svc-1/update"))
}

func TestClientConfigWrite(t *testing.T) {
	mock := &mockDoer{}
	mock.sendFunc = func(ctx context.Context, r transport.Request) (*transport.Response, error) {
		switch r.Method + " " + r.Path {
		case "GET /configs":
			config := swarm.Config{ID: "old"}
			config.Spec.Name = "settings"
			return respond(r, http.StatusOK, []swarm.Config{config}), nil
		case "DELETE /configs/old":
			return respond(r, http.StatusNoContent, nil), nil
		case "POST /configs/create":
			spec := r.Body.(swarm.ConfigSpec)
			assert.Equal(t, "settings", spec.Name)
			assert.Equal(t, []byte("v2"), spec.Data)
			assert.Equal(t, "jobs", spec.Labels[docker.NamespaceLabel])
			return respond(r, http.StatusCreated, map[string]string{"ID": "new"}), nil
		}
		t.Fatalf("unexpected request %s %s", r.Method, r.Path)
		return nil, nil
	}

	id, err := docker.NewClient(mock).ConfigWrite(context.Background(), "settings", "jobs", []byte("v2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "new", id)
	assert.Equal(t, []string{"GET /configs", "DELETE /configs/old", "POST /configs/create"}, mock.sent())
}

func TestClientConfigRead(t *testing.T) {
	mock := &mockDoer{
		sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			config := swarm.Config{ID: "c1"}
			config.Spec.Name = "settings"
			config.Spec.Data = []byte("value")
			return respond(r, http.StatusOK, []swarm.Config{config}), nil
		},
	}
	client := docker.NewClient(mock)

	data, ok, err := client.ConfigRead(context.Background(), "settings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value", string(data))

	_, ok, err = client.ConfigRead(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientVolumeList(t *testing.T) {
	mock := &mockDoer{
		sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			return respond(r, http.StatusOK, volume.ListResponse{Volumes: []volume.Volume{{Name: "data"}}}), nil
		},
	}

	volumes, err := docker.NewClient(mock).VolumeList(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, "data", volumes[0].Name)
}

func TestClientImagePull(t *testing.T) {
	t.Run("streams progress to completion", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				assert.Equal(t, "/images/create", r.Path)
				assert.Equal(t, "docker.io/library/node", r.Query.Get("fromImage"))
				assert.Equal(t, "12", r.Query.Get("tag"))
				assert.Equal(t, "token", r.Header.Get("X-Registry-Auth"))
				return respond(r, http.StatusOK, `{"status":"Pulling fs layer","id":"a1"}
{"status":"Download complete","id":"a1"}
`), nil
			},
		}

		err := docker.NewClient(mock).ImagePull(context.Background(), stackregistry.ParseReference("node:12"), "token")
		require.NoError(t, err)
	})

	t.Run("fails on an error message in the stream", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusOK, `{"status":"Pulling"}
{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}
`), nil
			},
		}

		err := docker.NewClient(mock).ImagePull(context.Background(), stackregistry.ParseReference("node:nope"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "manifest unknown")
	})

	t.Run("pulls by digest", func(t *testing.T) {
		digest := "sha256:" + strings.Repeat("a", 64)
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				assert.Equal(t, "docker.io/library/debian@"+digest, r.Query.Get("fromImage"))
				assert.Empty(t, r.Query.Get("tag"))
				return respond(r, http.StatusOK, ""), nil
			},
		}

		require.NoError(t, docker.NewClient(mock).ImagePull(context.Background(), stackregistry.ParseReference("debian@"+digest), ""))
	})
}

func TestClientEnsureImage(t *testing.T) {
	t.Run("skips the pull for a local image", func(t *testing.T) {
		mock := &mockDoer{
			sendFunc: func(ctx context.Context, r transport.Request) (*transport.Response, error) {
				return respond(r, http.StatusOK, map[string]string{"Id": "sha256:abc"}), nil
			},
		}

		require.NoError(t, docker.NewClient(mock).EnsureImage(context.Background(), "alpine"))
		assert.Equal(t, []string{"GET /images/alpine/json"}, mock.sent())
	})

	t.Run("logs in and pulls with the identity token", func(t *testing.T) {
		mock := &mockDoer{}
		mock.sendFunc = func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			switch r.Path {
			case "/images/host:5000/team/app:v1/json":
				return respond(r, http.StatusNotFound, `{"message":"no such image"}`), nil
			case "/auth":
				config := r.Body.(registry.AuthConfig)
				assert.Equal(t, "alice", config.Username)
				assert.Equal(t, "host:5000", config.ServerAddress)
				return respond(r, http.StatusOK, registry.AuthResponse{Status: "Login Succeeded", IdentityToken: "idt"}), nil
			case "/images/create":
				payload, err := base64.URLEncoding.DecodeString(r.Header.Get("X-Registry-Auth"))
				require.NoError(t, err)
				var config registry.AuthConfig
				require.NoError(t, json.Unmarshal(payload, &config))
				assert.Equal(t, "idt", config.IdentityToken)
				assert.Empty(t, config.Password)
				return respond(r, http.StatusOK, ""), nil
			}
			t.Fatalf("unexpected request %s %s", r.Method, r.Path)
			return nil, nil
		}

		auth := stackregistry.NewAuth(stackregistry.Options{
			Credentials: stackregistry.StaticResolver{"host:5000": {Username: "alice", Password: "hunter2"}},
		})
		client := docker.NewClient(mock).WithAuth(auth)

		require.NoError(t, client.EnsureImage(context.Background(), "host:5000/team/app:v1"))
		assert.Equal(t, 1, mock.count(http.MethodPost, "/images/create"))
	})

	t.Run("reports rejected credentials", func(t *testing.T) {
		mock := &mockDoer{}
		mock.sendFunc = func(ctx context.Context, r transport.Request) (*transport.Response, error) {
			if r.Path == "/auth" {
				return respond(r, http.StatusUnauthorized, `{"message":"incorrect username or password"}`), nil
			}
			return respond(r, http.StatusNotFound, nil), nil
		}

		auth := stackregistry.NewAuth(stackregistry.Options{
			Credentials: stackregistry.StaticResolver{"docker.io": {Username: "alice", Password: "wrong"}},
		})

		err := docker.NewClient(mock).WithAuth(auth).EnsureImage(context.Background(), "alice/private")
		require.ErrorIs(t, err, stackregistry.ErrCredentialsRejected)
		assert.Equal(t, 0, mock.count(http.MethodPost, "/images/create"))
	})
}
