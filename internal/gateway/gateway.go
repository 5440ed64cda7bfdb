// Package gateway wraps the Fabric Gateway client for the selected network:
// identity loading from the file-system wallet, the mTLS gRPC connection,
// breaker-guarded submission and the resumable chaincode event stream.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/hyperledger/fabric-protos-go-apiv2/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"github.com/coinpath/bridge/internal/circuitbreaker"
	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/fabricerr"
	"github.com/coinpath/bridge/internal/metrics"
)

// BlockchainEvent is one chaincode event with its position in the ledger.
// TxIndex and EventIndex are 0-based ordinals within the block; the stream
// delivers events in (BlockNumber, TxIndex, EventIndex) order with no gaps.
type BlockchainEvent struct {
	EventName   string
	Payload     []byte
	TxID        string
	BlockNumber uint64
	TxIndex     int
	EventIndex  int
	Timestamp   time.Time
}

// Gateway holds one process-wide Fabric connection. Submit calls may be
// concurrent; the event stream consumer is single-threaded per checkpoint.
type Gateway struct {
	cfg        config.FabricConfig
	walletPath string
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Metrics
	log        *slog.Logger

	mu       sync.Mutex
	conn     *grpc.ClientConn
	gw       *client.Gateway
	network  *client.Network
	contract *client.Contract
	qscc     *client.Contract
}

// New builds an unconnected gateway. The breaker only counts transport
// failures; chaincode rejections pass through without tripping it.
func New(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) *Gateway {
	g := &Gateway{
		cfg:        cfg.Fabric,
		walletPath: cfg.WalletPath(),
		metrics:    m,
		log:        log.With("component", "gateway", "network", cfg.Network),
	}

	g.breaker = circuitbreaker.New(&circuitbreaker.Config{
		Name:             "fabric-" + cfg.Network,
		FailureThreshold: cfg.Fabric.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.Fabric.CircuitBreaker.ResetTimeout(),
		HalfOpenProbes:   cfg.Fabric.CircuitBreaker.HalfOpenProbes,
		IsFailure: func(err error) bool {
			if err == nil {
				return false
			}
			return fabricerr.Classify(err).Kind.Retryable()
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			g.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.SetBreakerState(int(to))
			}
		},
	})

	return g
}

// Connect loads the wallet identity, dials the peer and verifies liveness
// with a qscc chain-info query. Safe to call twice; a connected gateway
// returns immediately.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.gw != nil {
		return nil
	}

	id, signer, err := g.loadIdentity()
	if err != nil {
		return err
	}

	creds, err := g.transportCredentials()
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(g.cfg.PeerEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fabricerr.Wrap(fabricerr.KindConnect, err, "failed to dial peer "+g.cfg.PeerEndpoint)
	}

	gw, err := client.Connect(
		id,
		client.WithSign(signer),
		client.WithClientConnection(conn),
		client.WithEvaluateTimeout(g.cfg.EvaluateTimeout()),
		client.WithEndorseTimeout(g.cfg.EndorseTimeout()),
		client.WithSubmitTimeout(g.cfg.SubmitTimeout()),
		client.WithCommitStatusTimeout(g.cfg.CommitStatusTimeout()),
	)
	if err != nil {
		conn.Close()
		return fabricerr.Wrap(fabricerr.KindConnect, err, "failed to connect gateway")
	}

	network := gw.GetNetwork(g.cfg.Channel)
	g.conn = conn
	g.gw = gw
	g.network = network
	g.contract = network.GetContract(g.cfg.Chaincode)
	g.qscc = network.GetContract("qscc")

	// Liveness probe. An MSP that rejects the identity surfaces here as
	// PermissionDenied, which the caller must treat as fatal at startup.
	height, err := g.chainHeightLocked(ctx)
	if err != nil {
		g.closeLocked()
		if fabricerr.KindOf(err) == fabricerr.KindPermission {
			return err
		}
		return fabricerr.Wrap(fabricerr.KindConnect, err, "liveness query failed")
	}

	g.log.Info("Fabric gateway connected",
		"peer", g.cfg.PeerEndpoint,
		"orderer", g.cfg.OrdererEndpoint,
		"channel", g.cfg.Channel,
		"chaincode", g.cfg.Chaincode,
		"height", height)
	return nil
}

// loadIdentity reads the X.509 material for the configured label from the
// per-network wallet directory. Key material never leaves this method.
func (g *Gateway) loadIdentity() (*identity.X509Identity, identity.Sign, error) {
	dir := filepath.Join(g.walletPath, g.cfg.IdentityLabel)

	certPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to read wallet certificate")
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to parse wallet certificate")
	}

	id, err := identity.NewX509Identity(g.cfg.MspID, cert)
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to build identity")
	}

	keyPEM, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to read wallet key")
	}
	key, err := identity.PrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to parse wallet key")
	}
	signer, err := identity.NewPrivateKeySign(key)
	if err != nil {
		return nil, nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to build signer")
	}

	return id, signer, nil
}

// transportCredentials builds the gRPC credentials. ServerNameOverride
// becomes the TLS server name, which also overrides the target authority,
// covering internal DNS names behind externally issued certificates.
func (g *Gateway) transportCredentials() (credentials.TransportCredentials, error) {
	if !g.cfg.TLS.Enabled {
		return insecure.NewCredentials(), nil
	}

	caPEM, err := os.ReadFile(g.cfg.TLS.CACert)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to read TLS CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fabricerr.New(fabricerr.KindConfig, "no certificates in %s", g.cfg.TLS.CACert)
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: g.cfg.TLS.ServerNameOverride,
		MinVersion: tls.VersionTLS12,
	}

	if g.cfg.TLS.Cert != "" && g.cfg.TLS.Key != "" {
		pair, err := tls.LoadX509KeyPair(g.cfg.TLS.Cert, g.cfg.TLS.Key)
		if err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindConfig, err, "failed to load client TLS keypair")
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	return credentials.NewTLS(tlsCfg), nil
}

func parseCertificatePEM(contents []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(contents)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// commitWaiter is the slice of client.Commit that Submit waits on.
type commitWaiter interface {
	TransactionID() string
	StatusWithContext(ctx context.Context, opts ...grpc.CallOption) (*client.Status, error)
}

// awaitCommit blocks until the transaction's validation result arrives or
// ctx ends. A committed-but-invalid transaction surfaces as a CommitError
// carrying the validation code.
func awaitCommit(ctx context.Context, commit commitWaiter) (*client.Status, error) {
	status, err := commit.StatusWithContext(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Successful {
		return nil, &client.CommitError{
			TransactionID: commit.TransactionID(),
			Code:          status.Code,
		}
	}
	return status, nil
}

// Submit endorses and commits one chaincode invocation, waiting for the
// commit status so a success always carries a real block number. The
// caller's context bounds the whole round trip, endorsement through commit
// wait. The breaker fails fast while the peer is down.
func (g *Gateway) Submit(ctx context.Context, fn string, args ...string) (string, uint64, []byte, error) {
	contract, err := g.contractHandle()
	if err != nil {
		return "", 0, nil, err
	}

	start := time.Now()
	type submitResult struct {
		txID    string
		block   uint64
		payload []byte
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		payload, commit, err := contract.SubmitAsyncWithContext(ctx, fn, client.WithArguments(args...))
		if err != nil {
			return nil, err
		}

		status, err := awaitCommit(ctx, commit)
		if err != nil {
			return nil, err
		}

		return submitResult{
			txID:    commit.TransactionID(),
			block:   status.BlockNumber,
			payload: payload,
		}, nil
	})

	elapsed := time.Since(start).Seconds()
	if err != nil {
		classified := g.classifyBreaker(err)
		if g.metrics != nil {
			g.metrics.ObserveSubmit(classified.Kind.String(), elapsed)
		}
		return "", 0, nil, classified
	}

	out := res.(submitResult)
	if g.metrics != nil {
		g.metrics.ObserveSubmit("committed", elapsed)
	}
	return out.txID, out.block, out.payload, nil
}

// Evaluate runs a read-only query. Reads bypass the breaker: they go to a
// single peer and failing fast on them would blind health checks.
func (g *Gateway) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	contract, err := g.contractHandle()
	if err != nil {
		return nil, err
	}

	payload, err := contract.EvaluateWithContext(ctx, fn, client.WithArguments(args...))
	if err != nil {
		return nil, g.classifyBreaker(err)
	}
	return payload, nil
}

// ChainHeight queries qscc for the channel's block height.
func (g *Gateway) ChainHeight(ctx context.Context) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chainHeightLocked(ctx)
}

func (g *Gateway) chainHeightLocked(ctx context.Context) (uint64, error) {
	if g.qscc == nil {
		return 0, fabricerr.New(fabricerr.KindConnect, "gateway is not connected")
	}

	raw, err := g.qscc.EvaluateWithContext(ctx, "GetChainInfo", client.WithArguments(g.cfg.Channel))
	if err != nil {
		return 0, g.classifyBreaker(err)
	}

	var info common.BlockchainInfo
	if err := proto.Unmarshal(raw, &info); err != nil {
		return 0, fabricerr.Wrap(fabricerr.KindConnect, err, "failed to decode chain info")
	}
	return info.Height, nil
}

// classifyBreaker maps breaker sentinels onto the taxonomy and classifies
// everything else.
func (g *Gateway) classifyBreaker(err error) *fabricerr.Error {
	switch err {
	case circuitbreaker.ErrCircuitOpen, circuitbreaker.ErrTooManyRequests:
		return fabricerr.Wrap(fabricerr.KindCircuitOpen, err, "gateway circuit open")
	}
	return fabricerr.Classify(err)
}

func (g *Gateway) contractHandle() (*client.Contract, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.contract == nil {
		return nil, fabricerr.New(fabricerr.KindConnect, "gateway is not connected")
	}
	return g.contract, nil
}

func (g *Gateway) networkHandle() (*client.Network, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.network == nil {
		return nil, fabricerr.New(fabricerr.KindConnect, "gateway is not connected")
	}
	return g.network, nil
}

// BreakerState exposes the circuit state for readiness checks.
func (g *Gateway) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

// Close releases the gateway and the gRPC connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeLocked()
}

func (g *Gateway) closeLocked() {
	if g.gw != nil {
		g.gw.Close()
		g.gw = nil
	}
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.network = nil
	g.contract = nil
	g.qscc = nil
}
