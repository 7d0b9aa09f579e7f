package qpipe

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NewHTTP3Transport returns an HTTP/3 round tripper for use as Config.Base
// against servers that speak QUIC. tlsConf may be nil. Close the transport
// when done to release its UDP sockets.
func NewHTTP3Transport(tlsConf *tls.Config) *http3.Transport {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	} else {
		tlsConf = tlsConf.Clone()
	}
	if tlsConf.MinVersion == 0 {
		tlsConf.MinVersion = tls.VersionTLS13
	}
	return &http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: 10 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
	}
}
