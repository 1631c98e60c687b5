package handler

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/sentinel_vault/config"
	"github.com/sentinel_vault/middleware"
	"github.com/sentinel_vault/model"
	"github.com/sentinel_vault/repository"
	"github.com/sentinel_vault/service"
)

type WalletHandler struct {
	cfg     *config.Config
	wallets *repository.WalletRepository
	keys    *service.KeyService
	audit   *repository.AuditRepository
	ledgers map[string]*service.LedgerClient
}

func NewWalletHandler(cfg *config.Config, wallets *repository.WalletRepository, keys *service.KeyService, audit *repository.AuditRepository, ledgers map[string]*service.LedgerClient) *WalletHandler {
	return &WalletHandler{
		cfg:     cfg,
		wallets: wallets,
		keys:    keys,
		audit:   audit,
		ledgers: ledgers,
	}
}

type registerWalletRequest struct {
	VaultAddress string `json:"vault_address" binding:"required"`
	Network      string `json:"network"`
}

// POST /api/wallet/register
//
// Generates a fresh agent key, stores it encrypted, and returns the
// mnemonic exactly once. Re-registering replaces the previous key.
func (h *WalletHandler) Register(c *gin.Context) {
	var req registerWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := middleware.CallerAddress(c)
	network := h.cfg.NetworkOrDefault(req.Network).Name

	generated, err := service.GenerateAgentKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}
	encrypted, err := h.keys.Encrypt(generated.PrivateHex, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key encryption failed"})
		return
	}

	if err := h.wallets.Save(c.Request.Context(), &model.AgentWallet{
		UserAddress:  user,
		Network:      network,
		AgentAddress: generated.Address,
		VaultAddress: req.VaultAddress,
		EncryptedKey: encrypted,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "agent_wallet_registered", "agent_wallet", user, "", generated.Address, user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_address": generated.Address,
		"network":       network,
		"mnemonic":      generated.Mnemonic,
	})
}

// GET /api/wallet
func (h *WalletHandler) Get(c *gin.Context) {
	user := middleware.CallerAddress(c)
	network := h.cfg.NetworkOrDefault(c.Query("network")).Name

	wallet, err := h.wallets.Get(c.Request.Context(), user, network)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if wallet == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent wallet registered"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_address": wallet.AgentAddress,
		"vault_address": wallet.VaultAddress,
		"network":       wallet.Network,
		"created_at":    wallet.CreatedAt,
	})
}

// GET /api/wallet/balance
func (h *WalletHandler) Balance(c *gin.Context) {
	user := middleware.CallerAddress(c)
	network := h.cfg.NetworkOrDefault(c.Query("network")).Name

	wallet, err := h.wallets.Get(c.Request.Context(), user, network)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if wallet == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent wallet registered"})
		return
	}
	ledger, ok := h.ledgers[network]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "network not available"})
		return
	}

	balance, err := ledger.TokenBalanceOf(c.Request.Context(), common.HexToAddress(wallet.AgentAddress))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_address": wallet.AgentAddress,
		"balance_wei":   balance.String(),
		"balance":       service.FromWei(balance),
	})
}

// DELETE /api/wallet
func (h *WalletHandler) Delete(c *gin.Context) {
	user := middleware.CallerAddress(c)
	network := h.cfg.NetworkOrDefault(c.Query("network")).Name

	if err := h.wallets.Delete(c.Request.Context(), user, network); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.audit.Append(c.Request.Context(), "agent_wallet_deleted", "agent_wallet", user, "", "", user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
