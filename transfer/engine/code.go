package engine

// Code is a native per-transfer status code. Zero means the transfer
// finished cleanly; every non-zero code is reportable.
type Code int

const (
	CodeOK Code = iota
	CodeUnsupportedScheme
	CodeBadURL
	CodeResolveFailed
	CodeConnectFailed
	CodeTLSHandshakeFailed
	CodeHostKeyRejected
	CodeSendFailed
	CodeRecvFailed
	CodeBadResponse
	CodeAbortedByCallback
	CodeUploadRewindFailed
	CodeTimedOut
	CodePartialTransfer
	CodeRemoteFileNotFound
	CodeLoginDenied
	CodeBadDownloadResume
	CodeContentDecodeFailed
	CodeProxyRefused
)

var codeNames = map[Code]string{
	CodeOK:                  "no error",
	CodeUnsupportedScheme:   "unsupported URL scheme",
	CodeBadURL:              "URL using bad/illegal format",
	CodeResolveFailed:       "couldn't resolve host name",
	CodeConnectFailed:       "couldn't connect to server",
	CodeTLSHandshakeFailed:  "TLS handshake failed",
	CodeHostKeyRejected:     "server host key was rejected",
	CodeSendFailed:          "failure sending network data",
	CodeRecvFailed:          "failure receiving network data",
	CodeBadResponse:         "malformed server response",
	CodeAbortedByCallback:   "operation aborted by callback",
	CodeUploadRewindFailed:  "upload body could not be rewound",
	CodeTimedOut:            "transfer deadline exceeded",
	CodePartialTransfer:     "transfer closed with outstanding data",
	CodeRemoteFileNotFound:  "remote file not found",
	CodeLoginDenied:         "login denied by server",
	CodeBadDownloadResume:   "requested range could not be satisfied",
	CodeContentDecodeFailed: "decoding response content failed",
	CodeProxyRefused:        "proxy refused the connection",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown transfer error"
}
