// Command dummycert generates root CA material on disk for use with
// --ca-cert-file / --ca-key-file.
package main

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/interceptd/interceptd/cert"
)

func main() {
	dir := flag.String("dir", "", "directory to write the CA pair into (default: ~/.interceptd)")
	flag.Parse()

	ca, err := cert.NewSelfSignCA(*dir)
	if err != nil {
		log.Errorf("failed to create CA: %v", err)
		os.Exit(1)
	}

	root := ca.GetRootCA()
	log.Infof("CA ready: CN=%s serial=%s notAfter=%s", root.Subject.CommonName, root.SerialNumber, root.NotAfter)
	log.Info("install the certificate into your client trust store to enable interception")
}
