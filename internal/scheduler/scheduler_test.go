package scheduler

import (
	"context"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	gock "gopkg.in/h2non/gock.v1"

	"github.com/gocardless/rconfd/internal/cache"
	"github.com/gocardless/rconfd/internal/secret"
	"github.com/gocardless/rconfd/internal/template"
	"github.com/gocardless/rconfd/internal/vault"
)

const testVaultAddress = "https://vault.example.com"

func newLoggedInVaultClient(role string, ttlSec int) *vault.Client {
	httpClient := &http.Client{Transport: http.DefaultTransport}
	gock.InterceptClient(httpClient)
	gock.DisableNetworking()

	c, err := vault.New(vault.Config{Address: testVaultAddress, HTTPClient: httpClient}, vault.LiteralJWT("test-jwt"))
	Expect(err).NotTo(HaveOccurred())

	gock.New(testVaultAddress).
		Post("/v1/auth/kubernetes/login").
		Reply(200).
		JSON(map[string]interface{}{
			"auth": map[string]interface{}{"client_token": "s.abc123", "lease_duration": ttlSec},
		})

	_, err = c.Login(context.Background(), role)
	Expect(err).NotTo(HaveOccurred())

	return c
}

var _ = Describe("Scheduler.nextWake", func() {
	AfterEach(func() {
		gock.Off()
	})

	It("defaults to defaultDynamicRefreshInterval when nothing is leased and no exe:dynamic is declared", func() {
		s := &Scheduler{Cache: cache.New(secret.NewRegistry())}

		before := time.Now()
		wake := s.nextWake()

		Expect(wake).To(BeTemporally(">=", before.Add(defaultDynamicRefreshInterval-time.Second)))
		Expect(wake).To(BeTemporally("<=", before.Add(defaultDynamicRefreshInterval+time.Second)))
	})

	It("does not widen the window when exe:dynamic secrets are declared with no other bound", func() {
		s := &Scheduler{
			Cache:              cache.New(secret.NewRegistry()),
			declaredExeDynamic: []secret.Path{mustParsePath("exe:str,dynamic:/bin/echo hi")},
		}

		before := time.Now()
		wake := s.nextWake()

		Expect(wake).To(BeTemporally("<=", before.Add(defaultDynamicRefreshInterval+time.Second)))
	})

	It("wakes at the earliest of a token auth deadline and a lease renew deadline", func() {
		vc := newLoggedInVaultClient("myrole", 100000) // far-future auth deadline

		c := cache.New(secret.NewRegistry())
		p := mustParsePath("vault:myrole:secret/data/foo")
		c.Set(p.Identity(), &cache.Entry{
			Path:  p,
			Lease: &secret.Lease{ID: "lease-1", DurationSec: 40, FirstSeenAt: time.Now()},
		})

		s := &Scheduler{Cache: c, Vault: vc}

		wake := s.nextWake()
		leaseDeadline := c.LeasedEntries()[p.Identity()].Lease.RenewDeadline()

		Expect(wake).To(BeTemporally("~", leaseDeadline, time.Second))
	})

	It("wakes at the token auth deadline when it is sooner than any lease", func() {
		vc := newLoggedInVaultClient("myrole", 10) // near-future auth deadline

		c := cache.New(secret.NewRegistry())
		p := mustParsePath("vault:myrole:secret/data/foo")
		c.Set(p.Identity(), &cache.Entry{
			Path:  p,
			Lease: &secret.Lease{ID: "lease-1", DurationSec: 100000, FirstSeenAt: time.Now()},
		})

		s := &Scheduler{Cache: c, Vault: vc}

		session, _ := vc.Session("myrole")
		wake := s.nextWake()

		Expect(wake).To(BeTemporally("~", session.AuthDeadline(), time.Second))
	})
})

var _ = Describe("Scheduler.collectExeDynamic", func() {
	It("collects only exe secrets declared with the dynamic modifier", func() {
		records := []*template.Record{
			{Key: "a", Secrets: map[string]string{
				"x": "exe:str,dynamic:/bin/echo hi",
				"y": "exe:str,static:/bin/echo hi",
				"z": "env:str:HOME",
			}},
		}

		s := &Scheduler{Pipeline: &template.Pipeline{Records: records}}

		dynamic := s.collectExeDynamic()
		Expect(dynamic).To(HaveLen(1))
		Expect(dynamic[0].Backend).To(Equal(secret.Exe))
		Expect(dynamic[0].ExeModifier()).To(Equal("dynamic"))
	})

	It("skips records whose declarations fail to parse", func() {
		records := []*template.Record{
			{Key: "broken", Secrets: map[string]string{"x": "env:str:${UNSET_VAR_XYZ}"}},
		}

		s := &Scheduler{Pipeline: &template.Pipeline{Records: records}}

		Expect(s.collectExeDynamic()).To(BeEmpty())
	})
})

var _ = Describe("Scheduler.signalReady", func() {
	It("writes a newline and closes the readiness fd on first success", func() {
		r, w, err := os.Pipe()
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()

		s := &Scheduler{ReadyFD: w}

		s.signalReady(template.Outcome{FirstSuccessThisCall: true})

		buf := make([]byte, 1)
		n, err := r.Read(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(string(buf)).To(Equal("\n"))
	})

	It("does nothing when this is not the first success", func() {
		r, w, err := os.Pipe()
		Expect(err).NotTo(HaveOccurred())
		defer r.Close()
		defer w.Close()

		s := &Scheduler{ReadyFD: w}

		s.signalReady(template.Outcome{FirstSuccessThisCall: false})

		// ReadyFD must remain open and unwritten: a later write still succeeds.
		n, err := w.WriteString("x")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
	})

	It("does nothing when no readiness fd was configured", func() {
		s := &Scheduler{}
		Expect(func() { s.signalReady(template.Outcome{FirstSuccessThisCall: true}) }).NotTo(Panic())
	})
})

func mustParsePath(raw string) secret.Path {
	p, err := secret.Parse(raw)
	Expect(err).NotTo(HaveOccurred())
	return p
}
