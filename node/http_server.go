package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-relayer/core/mempool"
	"github.com/AvaProtocol/ap-relayer/metrics"
	"github.com/AvaProtocol/ap-relayer/model"
	"github.com/AvaProtocol/ap-relayer/pkg/erc4337"
	"github.com/AvaProtocol/ap-relayer/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

// userOpPayload is the intake wire format: quantities are hex strings, byte
// fields are 0x-prefixed hex.
type userOpPayload struct {
	Sender               string `json:"sender" validate:"required,eth_addr"`
	Nonce                string `json:"nonce" validate:"required"`
	InitCode             string `json:"initCode"`
	CallData             string `json:"callData" validate:"required"`
	CallGasLimit         string `json:"callGasLimit" validate:"required"`
	VerificationGasLimit string `json:"verificationGasLimit" validate:"required"`
	PreVerificationGas   string `json:"preVerificationGas" validate:"required"`
	MaxFeePerGas         string `json:"maxFeePerGas" validate:"required"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas" validate:"required"`
	PaymasterAndData     string `json:"paymasterAndData"`
	Signature            string `json:"signature" validate:"required"`
}

type submitUserOpRequest struct {
	Entrypoint string        `json:"entrypoint" validate:"required,eth_addr"`
	UserOp     userOpPayload `json:"userOp" validate:"required"`
}

type networkStatus struct {
	ChainID        int64  `json:"chainId"`
	Name           string `json:"name"`
	MempoolEntries int    `json:"mempoolEntries"`
	RelayerPool    int    `json:"relayerPool"`
	ActiveRelayers int    `json:"activeRelayers"`
	WatchedTxs     int    `json:"watchedTransactions"`
	PendingRetries int64  `json:"pendingRetries"`
}

func (n *Node) startHTTPServer(ctx context.Context) {
	if n.config.HTTPBindAddress == "" {
		n.logger.Info("HTTP server disabled: no http_bind_address configured")
		return
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	validate := validator.New()

	e.GET("/up", func(c echo.Context) error {
		if n.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/status", func(c echo.Context) error {
		statuses := make([]networkStatus, 0, len(n.pipelines))
		for chainID, p := range n.pipelines {
			pending, _ := p.queue.CountPending()
			statuses = append(statuses, networkStatus{
				ChainID:        chainID,
				Name:           p.cfg.Name,
				MempoolEntries: p.poolCount(),
				RelayerPool:    p.relayers.PoolSize(),
				ActiveRelayers: p.relayers.ActiveCount(),
				WatchedTxs:     p.listener.WatchedCount(),
				PendingRetries: pending,
			})
		}
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]interface{}]{
			Data: map[string]interface{}{
				"version":  version.Get(),
				"revision": version.Commit(),
				"networks": statuses,
			},
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(n.promReg, promhttp.HandlerOpts{})))

	e.POST("/networks/:chainId/userops", func(c echo.Context) error {
		chainID, err := strconv.ParseInt(c.Param("chainId"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid chain id"})
		}

		p, ok := n.pipelines[chainID]
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("chain %d not served", chainID)})
		}

		req := &submitUserOpRequest{}
		if err := c.Bind(req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		}
		if err := validate.Struct(req); err != nil {
			n.countRejection(chainID, "validation")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		op, err := req.UserOp.toModel()
		if err != nil {
			n.countRejection(chainID, "validation")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		entrypoint := common.HexToAddress(req.Entrypoint)
		pool, ok := p.registry.Get(mempool.Key{ChainID: chainID, Entrypoint: entrypoint})
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"error": fmt.Sprintf("entrypoint %s not served on chain %d", entrypoint.Hex(), chainID)})
		}

		hash, err := erc4337.UserOpHash(op, entrypoint, big.NewInt(chainID))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cannot hash operation"})
		}

		if err := pool.AddUserOp(op, hash.Hex()); err != nil {
			return n.admissionError(c, chainID, err)
		}

		if apiKey := c.Request().Header.Get("X-Api-Key"); apiKey != "" {
			p.store.IncApiKeyCounter(apiKey)
		}

		n.mx.UserOpsAdmitted.WithLabelValues(metrics.ChainLabel(chainID)).Inc()
		return c.JSON(http.StatusOK, &HttpJsonResp[map[string]string]{
			Data: map[string]string{"userOpHash": hash.Hex()},
		})
	})

	n.httpServer = e
	addr := n.config.HTTPBindAddress
	n.logger.Info("HTTP server listening", "address", addr)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Warn("HTTP server failed to start; continuing without HTTP endpoint", "address", addr, "error", err)
		}
	}()
}

func (n *Node) stopHTTPServer() {
	if n.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.logger.Warn("HTTP server shutdown", "error", err)
	}
}

// admissionError maps mempool errors to HTTP codes: backpressure tells the
// caller to slow down, conflicts point at the replacement rule.
func (n *Node) admissionError(c echo.Context, chainID int64, err error) error {
	switch {
	case errors.Is(err, mempool.ErrMempoolFull):
		n.countRejection(chainID, "pool_full")
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, mempool.ErrSenderLimit):
		n.countRejection(chainID, "sender_limit")
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, mempool.ErrReplacementUnderpriced):
		n.countRejection(chainID, "replacement_underpriced")
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		n.countRejection(chainID, "internal")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (n *Node) countRejection(chainID int64, reason string) {
	n.mx.UserOpsRejected.WithLabelValues(metrics.ChainLabel(chainID), reason).Inc()
}

func (p *userOpPayload) toModel() (*model.UserOperation, error) {
	op := &model.UserOperation{Sender: common.HexToAddress(p.Sender)}

	var err error
	if op.Nonce, err = parseQuantity("nonce", p.Nonce); err != nil {
		return nil, err
	}
	if op.CallGasLimit, err = parseQuantity("callGasLimit", p.CallGasLimit); err != nil {
		return nil, err
	}
	if op.VerificationGasLimit, err = parseQuantity("verificationGasLimit", p.VerificationGasLimit); err != nil {
		return nil, err
	}
	if op.PreVerificationGas, err = parseQuantity("preVerificationGas", p.PreVerificationGas); err != nil {
		return nil, err
	}
	if op.MaxFeePerGas, err = parseQuantity("maxFeePerGas", p.MaxFeePerGas); err != nil {
		return nil, err
	}
	if op.MaxPriorityFeePerGas, err = parseQuantity("maxPriorityFeePerGas", p.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}

	if op.InitCode, err = parseBytes("initCode", p.InitCode); err != nil {
		return nil, err
	}
	if op.CallData, err = parseBytes("callData", p.CallData); err != nil {
		return nil, err
	}
	if op.PaymasterAndData, err = parseBytes("paymasterAndData", p.PaymasterAndData); err != nil {
		return nil, err
	}
	if op.Signature, err = parseBytes("signature", p.Signature); err != nil {
		return nil, err
	}

	return op, nil
}

func parseQuantity(name, raw string) (*big.Int, error) {
	v, err := hexutil.DecodeBig(raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}

func parseBytes(name, raw string) ([]byte, error) {
	if raw == "" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return b, nil
}
