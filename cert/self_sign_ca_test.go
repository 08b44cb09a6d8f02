package cert_test

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/atomic"

	"github.com/interceptd/interceptd/cert"
)

func TestNewSelfSignCA(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	ca, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	c.Assert(ca.GetRootCA().IsCA, qt.IsTrue)

	// a second load picks up the same root
	ca2, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	c.Assert(ca2.GetRootCA().SerialNumber.Cmp(ca.GetRootCA().SerialNumber), qt.Equals, 0)
}

func TestGetCertProperties(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	leaf, err := ca.GetCert("Example.Test")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Leaf.Subject.CommonName, qt.Equals, "example.test")
	c.Assert(leaf.Leaf.DNSNames, qt.DeepEquals, []string{"example.test"})
	c.Assert(leaf.Leaf.Issuer.CommonName, qt.Equals, ca.GetRootCA().Subject.CommonName)
	c.Assert(leaf.Leaf.NotAfter.Before(time.Now().Add(366*24*time.Hour)), qt.IsTrue)

	// signed by the root
	roots := x509.NewCertPool()
	roots.AddCert(ca.GetRootCA())
	_, err = leaf.Leaf.Verify(x509.VerifyOptions{Roots: roots, DNSName: "example.test"})
	c.Assert(err, qt.IsNil)
}

func TestGetCertIPTarget(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	leaf, err := ca.GetCert("127.0.0.1")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Leaf.IPAddresses, qt.HasLen, 1)
	c.Assert(leaf.Leaf.IPAddresses[0].String(), qt.Equals, "127.0.0.1")
}

func TestGetCertCached(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	first, err := ca.GetCert("example.test")
	c.Assert(err, qt.IsNil)
	second, err := ca.GetCert("EXAMPLE.TEST")
	c.Assert(err, qt.IsNil)
	c.Assert(second, qt.Equals, first, qt.Commentf("same pointer expected from cache"))
}

func TestGetCertSingleFlightBurst(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCA(t.TempDir())
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	var serials sync.Map
	var count atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leaf, err := ca.GetCert("burst.test")
			if err != nil {
				return
			}
			if _, loaded := serials.LoadOrStore(leaf.Leaf.SerialNumber.String(), true); !loaded {
				count.Add(1)
			}
		}()
	}
	wg.Wait()
	c.Assert(count.Load(), qt.Equals, int32(1), qt.Commentf("one signing operation per hostname"))
}

func TestDiskMirror(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	ca, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)

	_, err = ca.GetCert("mirror.test")
	c.Assert(err, qt.IsNil)

	data, err := os.ReadFile(filepath.Join(dir, "mirror.test.pem"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Contains, "CERTIFICATE")
	c.Assert(string(data), qt.Contains, "RSA PRIVATE KEY")

	// no temp leftovers from the atomic write
	entries, err := os.ReadDir(dir)
	c.Assert(err, qt.IsNil)
	for _, e := range entries {
		c.Assert(e.Name(), qt.Not(qt.Matches), `\.cert-.*`)
	}
}

func TestNewFromFiles(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	// bootstrap material with a self-signed CA, then reload it as files
	ca, err := cert.NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	caFile := filepath.Join(dir, "interceptd-ca.pem")

	loaded, err := cert.NewFromFiles(caFile, caFile, "", "", cert.DefaultValidity)
	c.Assert(err, qt.IsNil)
	c.Assert(loaded.GetRootCA().SerialNumber.Cmp(ca.GetRootCA().SerialNumber), qt.Equals, 0)

	leaf, err := loaded.GetCert("files.test")
	c.Assert(err, qt.IsNil)
	_, ok := leaf.PrivateKey.(*rsa.PrivateKey)
	c.Assert(ok, qt.IsTrue)
}

func TestNewFromFilesMissing(t *testing.T) {
	c := qt.New(t)
	_, err := cert.NewFromFiles("/does/not/exist.pem", "/does/not/exist.key", "", "", 0)
	c.Assert(err, qt.IsNotNil)
}
