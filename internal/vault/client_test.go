package vault_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	gock "gopkg.in/h2non/gock.v1"

	"github.com/gocardless/rconfd/internal/rerror"
	"github.com/gocardless/rconfd/internal/secret"
	"github.com/gocardless/rconfd/internal/vault"
)

const testAddress = "https://vault.example.com"

func newTestClient(jwt vault.JWTSource) *vault.Client {
	httpClient := &http.Client{Transport: http.DefaultTransport}
	gock.InterceptClient(httpClient)

	c, err := vault.New(vault.Config{
		Address:    testAddress,
		LoginPath:  "/auth/kubernetes/login",
		HTTPClient: httpClient,
	}, jwt)
	Expect(err).NotTo(HaveOccurred())

	return c
}

var _ = Describe("Client.Login", func() {
	BeforeEach(func() {
		gock.DisableNetworking()
	})

	AfterEach(func() {
		gock.Off()
	})

	Context("a successful login", func() {
		It("stores a session for the role", func() {
			gock.New(testAddress).
				Post("/v1/auth/kubernetes/login").
				JSON(map[string]string{"jwt": "test-jwt", "role": "myrole"}).
				Reply(200).
				JSON(map[string]interface{}{
					"auth": map[string]interface{}{
						"client_token":   "s.abc123",
						"accessor":       "acc-1",
						"renewable":      true,
						"lease_duration": 3600,
					},
				})

			c := newTestClient(vault.LiteralJWT("test-jwt"))

			session, err := c.Login(context.Background(), "myrole")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.Token).To(Equal("s.abc123"))
			Expect(session.TokenRenewable).To(BeTrue())
			Expect(session.TokenTTLSec).To(Equal(3600))

			stored, ok := c.Session("myrole")
			Expect(ok).To(BeTrue())
			Expect(stored.Token).To(Equal("s.abc123"))
		})
	})

	Context("a login response with no auth block", func() {
		It("fails with AuthFailure", func() {
			gock.New(testAddress).
				Post("/v1/auth/kubernetes/login").
				Reply(200).
				JSON(map[string]interface{}{})

			c := newTestClient(vault.LiteralJWT("test-jwt"))

			_, err := c.Login(context.Background(), "myrole")
			Expect(rerror.Is(err, rerror.KindAuthFailure)).To(BeTrue())
		})
	})

	Context("a non-2xx response", func() {
		It("fails with AuthFailure", func() {
			gock.New(testAddress).
				Post("/v1/auth/kubernetes/login").
				Reply(403).
				JSON(map[string]interface{}{"errors": []string{"permission denied"}})

			c := newTestClient(vault.LiteralJWT("test-jwt"))

			_, err := c.Login(context.Background(), "myrole")
			Expect(rerror.Is(err, rerror.KindAuthFailure)).To(BeTrue())
		})
	})
})

var _ = Describe("Client.Fetch", func() {
	BeforeEach(func() {
		gock.DisableNetworking()
	})

	AfterEach(func() {
		gock.Off()
	})

	It("logs in lazily on the first fetch and returns the data block with a lease", func() {
		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{
					"client_token":   "s.abc123",
					"renewable":      true,
					"lease_duration": 3600,
				},
			})

		gock.New(testAddress).
			Get("/v1/secret/data/foo").
			MatchHeader("X-Vault-Token", "s.abc123").
			Reply(200).
			JSON(map[string]interface{}{
				"lease_id":       "lease-1",
				"lease_duration": 1800,
				"renewable":      true,
				"data":           map[string]interface{}{"password": "hunter2"},
			})

		c := newTestClient(vault.LiteralJWT("test-jwt"))

		p, err := secret.Parse("vault:myrole:secret/data/foo")
		Expect(err).NotTo(HaveOccurred())

		value, lease, err := c.Fetch(context.Background(), p)
		Expect(err).NotTo(HaveOccurred())
		Expect(value.Interface()).To(Equal(map[string]interface{}{"password": "hunter2"}))
		Expect(lease).NotTo(BeNil())
		Expect(lease.ID).To(Equal("lease-1"))
		Expect(lease.Renewable).To(BeTrue())
	})

	It("sends keyword args as an ordered JSON body for non-GET methods", func() {
		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{"auth": map[string]interface{}{"client_token": "s.abc123"}})

		gock.New(testAddress).
			Post("/v1/secret/data/foo").
			JSON(map[string]interface{}{"ttl": "1h"}).
			Reply(200).
			JSON(map[string]interface{}{"data": map[string]interface{}{"ok": true}})

		c := newTestClient(vault.LiteralJWT("test-jwt"))

		p, err := secret.Parse("vault:myrole,POST,ttl=1h:secret/data/foo")
		Expect(err).NotTo(HaveOccurred())

		_, _, err = c.Fetch(context.Background(), p)
		Expect(err).NotTo(HaveOccurred())
	})

	It("single-flights concurrent fetches that share a not-yet-seen role into one login", func() {
		// Registered without .Persist(): a second concurrent login attempt would
		// find no matching mock and fail the request, so this only passes if
		// EnsureSession actually dedupes concurrent logins for "myrole".
		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "s.abc123", "lease_duration": 3600},
			})

		gock.New(testAddress).
			Get(`/v1/secret/data/foo\d+`).
			Persist().
			Reply(200).
			JSON(map[string]interface{}{"data": map[string]interface{}{"ok": true}})

		c := newTestClient(vault.LiteralJWT("test-jwt"))

		const concurrency = 20
		var wg sync.WaitGroup
		errs := make([]error, concurrency)

		for i := 0; i < concurrency; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := secret.Parse(fmt.Sprintf("vault:myrole:secret/data/foo%d", i))
				if err != nil {
					errs[i] = err
					return
				}
				_, _, err = c.Fetch(context.Background(), p)
				errs[i] = err
			}()
		}
		wg.Wait()

		for _, err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}
	})
})

var _ = Describe("Client.RenewToken", func() {
	BeforeEach(func() {
		gock.DisableNetworking()
	})

	AfterEach(func() {
		gock.Off()
	})

	It("renews an existing session in place", func() {
		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "s.abc123", "lease_duration": 3600},
			})

		gock.New(testAddress).
			Post("/v1/auth/token/renew-self").
			MatchHeader("X-Vault-Token", "s.abc123").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{"renewable": true, "lease_duration": 7200},
			})

		c := newTestClient(vault.LiteralJWT("test-jwt"))
		_, err := c.Login(context.Background(), "myrole")
		Expect(err).NotTo(HaveOccurred())

		session, err := c.RenewToken(context.Background(), "myrole")
		Expect(err).NotTo(HaveOccurred())
		Expect(session.TokenTTLSec).To(Equal(7200))
	})

	It("falls back to a fresh login when renewal fails", func() {
		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "s.abc123", "lease_duration": 3600},
			})

		gock.New(testAddress).
			Post("/v1/auth/token/renew-self").
			Reply(403).
			JSON(map[string]interface{}{"errors": []string{"permission denied"}})

		gock.New(testAddress).
			Post("/v1/auth/kubernetes/login").
			Reply(200).
			JSON(map[string]interface{}{
				"auth": map[string]interface{}{"client_token": "s.def456", "lease_duration": 3600},
			})

		c := newTestClient(vault.LiteralJWT("test-jwt"))
		_, err := c.Login(context.Background(), "myrole")
		Expect(err).NotTo(HaveOccurred())

		session, err := c.RenewToken(context.Background(), "myrole")
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Token).To(Equal("s.def456"))
	})
})

var _ = Describe("Client.RenewLease", func() {
	BeforeEach(func() {
		gock.DisableNetworking()
	})

	AfterEach(func() {
		gock.Off()
	})

	It("returns the server's authoritative renewed lease", func() {
		gock.New(testAddress).
			Post("/v1/sys/leases/renew").
			JSON(map[string]interface{}{"lease_id": "lease-1", "increment": 1800}).
			Reply(200).
			JSON(map[string]interface{}{
				"lease_id":       "lease-1",
				"lease_duration": 1800,
				"renewable":      true,
			})

		c := newTestClient(vault.LiteralJWT("test-jwt"))

		renewed, err := c.RenewLease(context.Background(), "s.abc123", secret.Lease{ID: "lease-1", DurationSec: 1800})
		Expect(err).NotTo(HaveOccurred())
		Expect(renewed.DurationSec).To(Equal(1800))
		Expect(renewed.Renewable).To(BeTrue())
	})
})
