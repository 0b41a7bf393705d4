package sftp

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/pxecore/transferd/internal/connlimit"
	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/ratelimit"
)

// cnsaKeyExchanges, cnsaCiphers, cnsaMACs, and cnsaHostKeyAlgorithms pin the
// SSH transport to CNSA 2.0: NIST P-384 and X25519 for key exchange, AES-256
// for confidentiality, SHA-2 for integrity, and Ed25519/ECDSA P-384 for host
// and public-key authentication. Nothing from SSH's legacy algorithm set
// (RSA, 3DES, RC4, SHA-1, MD5, diffie-hellman-group1) ever appears here.
var (
	cnsaKeyExchanges = []string{
		"ecdh-sha2-nistp384",
		"curve25519-sha256",
	}
	cnsaCiphers = []string{
		"aes256-gcm@openssh.com",
		"aes256-ctr",
	}
	cnsaMACs = []string{
		"hmac-sha2-512",
		"hmac-sha2-256",
	}
	cnsaHostKeyAlgorithms = []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoECDSA384,
	}
)

// TransportConfig configures the SSH transport adapter.
type TransportConfig struct {
	BindAddr          string
	HostKeyPath       string
	AuthorizedKeys    *AuthorizedKeySet
	RateLimiter       *ratelimit.Limiter
	ConnectionTracker *connlimit.Tracker
}

// Transport is the SSH listener restricted to CNSA 2.0 algorithms, handing
// off each authenticated session's "sftp" subsystem channel to a
// Connection built from the FileService.
type Transport struct {
	cfg     TransportConfig
	sshConf *ssh.ServerConfig
	svc     *FileService
}

// NewTransport builds a Transport. hostKey is loaded from cfg.HostKeyPath,
// generating and persisting a fresh Ed25519 key if none exists yet -- with a
// logged warning, since an auto-generated host key defeats host-identity
// pinning until an operator replaces it.
func NewTransport(cfg TransportConfig, svc *FileService) (*Transport, error) {
	signer, err := loadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sftp: load host key: %w", err)
	}
	if !isAllowedHostKeyType(signer.PublicKey().Type()) {
		return nil, fmt.Errorf("sftp: host key type %q is not CNSA 2.0 compliant", signer.PublicKey().Type())
	}

	t := &Transport{cfg: cfg, svc: svc}

	sshConf := &ssh.ServerConfig{
		Config: ssh.Config{
			KeyExchanges: cnsaKeyExchanges,
			Ciphers:      cnsaCiphers,
			MACs:         cnsaMACs,
		},
		PublicKeyCallback: t.publicKeyCallback,
		ServerVersion:     "SSH-2.0-transferd",
		MaxAuthTries:      6,
		NoClientAuth:      false,
	}
	sshConf.AddHostKey(signer)

	t.sshConf = sshConf
	return t, nil
}

func isAllowedHostKeyType(algo string) bool {
	for _, allowed := range cnsaHostKeyAlgorithms {
		if algo == allowed {
			return true
		}
	}
	return false
}

func (t *Transport) publicKeyCallback(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	remoteIP := remoteIP(meta)

	if t.cfg.RateLimiter != nil && !t.cfg.RateLimiter.CheckAllowed(remoteIP) {
		logger.Warn("sftp auth rejected: rate limited", logger.KeyPeer, remoteIP, logger.KeyUsername, meta.User())
		return nil, fmt.Errorf("too many authentication attempts")
	}

	identity, ok := t.cfg.AuthorizedKeys.Lookup(key)
	if !ok || identity.Username != meta.User() {
		if t.cfg.RateLimiter != nil {
			t.cfg.RateLimiter.RecordFailure(remoteIP)
		}
		logger.Warn("sftp auth rejected: unknown key", logger.KeyPeer, remoteIP,
			logger.KeyUsername, meta.User(), logger.KeyFingerprint, ssh.FingerprintSHA256(key))
		return nil, fmt.Errorf("unauthorized public key")
	}

	if t.cfg.RateLimiter != nil {
		t.cfg.RateLimiter.RecordSuccess(remoteIP)
	}
	logger.Info("sftp auth accepted", logger.KeyPeer, remoteIP, logger.KeyUsername, meta.User(),
		logger.KeyFingerprint, ssh.FingerprintSHA256(key))

	return &ssh.Permissions{Extensions: map[string]string{"username": identity.Username}}, nil
}

func remoteIP(meta ssh.ConnMetadata) string {
	if tcpAddr, ok := meta.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return meta.RemoteAddr().String()
}

// Serve accepts connections on listener until Accept fails (for example
// because the listener was closed), handing each one to handleConn in its
// own goroutine.
func (t *Transport) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, t.sshConf)
	if err != nil {
		logger.Debug("sftp handshake failed", logger.KeyPeer, conn.RemoteAddr().String(), logger.KeyError, err.Error())
		return
	}
	defer sshConn.Close()

	username := sshConn.Permissions.Extensions["username"]

	connID, ok := t.cfg.ConnectionTracker.RegisterConnection(username)
	if !ok {
		logger.Warn("sftp connection rejected: per-user connection limit reached",
			logger.KeyUsername, username, logger.KeyPeer, conn.RemoteAddr().String())
		return
	}
	defer t.cfg.ConnectionTracker.UnregisterConnection(username, connID)

	logger.Info("sftp connection established", logger.KeyUsername, username,
		logger.KeyConnectionID, connID, logger.KeyPeer, conn.RemoteAddr().String())

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go t.handleSession(channel, requests, username)
	}

	logger.Info("sftp connection closed", logger.KeyUsername, username, logger.KeyConnectionID, connID)
}

func (t *Transport) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, username string) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "subsystem" {
			_ = req.Reply(req.Type == "pty-req" || req.Type == "env", nil)
			continue
		}

		name := decodeSubsystemName(req.Payload)
		if name != "sftp" {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)

		t.serveSFTPSubsystem(channel, username)
		return
	}
}

func decodeSubsystemName(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if 4+n > len(payload) {
		return ""
	}
	return string(payload[4 : 4+n])
}

// serveSFTPSubsystem drives the length-prefixed SFTP request/response loop
// for one channel until it reports EOF or a framing error.
func (t *Transport) serveSFTPSubsystem(channel ssh.Channel, username string) {
	identity := t.svc.Users.Resolve(username)
	conn := t.svc.NewConnection(identity)
	defer conn.Close()

	for {
		typ, payload, err := ReadPacket(channel)
		if err != nil {
			return
		}

		respType, respPayload := conn.Dispatch(typ, payload)
		if err := WritePacket(channel, respType, respPayload); err != nil {
			return
		}
	}
}

// loadOrGenerateHostKey loads an SSH host key signer from path, generating
// and persisting a fresh Ed25519 key pair if the file doesn't exist.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ssh.ParsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	logger.Warn("sftp host key not found, generating a new Ed25519 key -- replace before production use",
		logger.KeyPath, path)

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "transferd sftp host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(block)

	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("persist host key: %w", err)
	}

	return ssh.ParsePrivateKey(pemBytes)
}
