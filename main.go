package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/config"
	"github.com/Martian-dev/mailsync-infra/internal/model"
	natsjs "github.com/Martian-dev/mailsync-infra/internal/nats"
	"github.com/Martian-dev/mailsync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mailsync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mailsync-infra/internal/store"
	msync "github.com/Martian-dev/mailsync-infra/internal/sync"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AccountRequest struct {
	ID       string `json:"id" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Provider string `json:"provider" binding:"required"`
	Enabled  *bool  `json:"enabled"`
}

type EnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func main() {
	cfg := config.Load()
	jwtSecret := []byte(cfg.JWTSecret)

	// Local database for API user authentication
	authDB, err := sql.Open("sqlite3", cfg.AuthDBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer authDB.Close()

	authService, err := auth.NewAuthService(authDB)
	if err != nil {
		log.Fatal(err)
	}

	// Mail store
	mailStore, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer mailStore.Close()

	// Event publisher; sync still works without a broker
	var publisher msync.EventPublisher
	if natsPub, err := natsjs.NewPublisher(cfg.NATSURL); err != nil {
		log.Printf("nats unavailable, sync events disabled: %v", err)
	} else {
		defer natsPub.Close()
		if err := natsPub.EnsureStream(context.Background()); err != nil {
			log.Printf("ensure stream: %v", err)
		}
		publisher = natsPub
	}

	// External JWTs (BetterAuth) are verified against the JWKS endpoint when
	// configured; otherwise only locally issued HS256 tokens are accepted.
	var verifier *auth.JWTVerifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			log.Fatal(err)
		}
	}

	tokens := auth.NewBetterAuthClient(cfg.AuthServerURL, cfg.ServiceKey)

	newClient := func(ctx context.Context, account model.Account) (msync.MailClient, error) {
		accessToken, err := tokens.ValidAccessToken(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("access token for %s: %w", account.ID, err)
		}
		switch account.Provider {
		case model.ProviderGoogle:
			return gmail.New(ctx, accessToken)
		case model.ProviderMicrosoft:
			return outlook.New(ctx, accessToken, account.Email)
		default:
			return nil, fmt.Errorf("unknown provider %q", account.Provider)
		}
	}

	// A 401 on an unexpired token means it was revoked upstream; drop the
	// cached token so the rebuilt client carries a freshly fetched one.
	reauthClient := func(ctx context.Context, account model.Account) (msync.MailClient, error) {
		tokens.Invalidate(account.ID)
		return newClient(ctx, account)
	}

	coord := msync.NewCoordinator(mailStore, newClient, msync.CoordinatorConfig{
		MessageCap:    cfg.MessageCap,
		MaxConcurrent: cfg.MaxConcurrent,
		BusyPolicy:    msync.BusySkip,
		Publisher:     publisher,
		Reauth:        reauthClient,
	})
	if err := coord.SeedStatuses(context.Background()); err != nil {
		log.Printf("seed sync statuses: %v", err)
	}

	scheduler := msync.NewScheduler(coord)
	scheduler.Start(context.Background(), cfg.SyncInterval)
	defer scheduler.Stop()

	r := gin.Default()

	// Register endpoint
	r.POST("/register", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.CreateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, user)
	})

	// Login endpoint
	r.POST("/login", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.ValidateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		token, err := jwt.NewBuilder().
			Subject(strconv.FormatInt(user.ID, 10)).
			Claim("username", user.Username).
			IssuedAt(time.Now()).
			Expiration(time.Now().Add(24 * time.Hour)).
			Build()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build token"})
			return
		}

		signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, jwtSecret))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token": string(signed),
			"user":  user,
		})
	})

	// Protected routes
	authorized := r.Group("/")
	authorized.Use(authMiddleware(jwtSecret, verifier))

	// Account management
	authorized.GET("/accounts", func(c *gin.Context) {
		accounts, err := mailStore.ListAccounts(c.Request.Context(), false)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accounts)
	})

	authorized.POST("/accounts", func(c *gin.Context) {
		var req AccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := model.ProviderName(req.Provider)
		if provider != model.ProviderGoogle && provider != model.ProviderMicrosoft {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown provider %q", req.Provider)})
			return
		}

		account := model.Account{
			ID:       req.ID,
			Email:    req.Email,
			Provider: provider,
			Enabled:  true,
		}
		if req.Enabled != nil {
			account.Enabled = *req.Enabled
		}

		if err := mailStore.UpsertAccount(c.Request.Context(), account); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, account)
	})

	authorized.DELETE("/accounts/:id", func(c *gin.Context) {
		if err := mailStore.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	authorized.POST("/accounts/:id/enabled", func(c *gin.Context) {
		var req EnabledRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := mailStore.SetAccountEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// Sync control
	authorized.POST("/sync", func(c *gin.Context) {
		scheduler.TriggerNow()
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	})

	authorized.POST("/sync/:id", func(c *gin.Context) {
		account, found, err := mailStore.GetAccount(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}

		go coord.SyncOne(context.Background(), account)
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered", "account_id": account.ID})
	})

	authorized.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"last_run": coord.LastRun(),
			"accounts": coord.Statuses(),
		})
	})

	// Mail data
	authorized.GET("/accounts/:id/messages", func(c *gin.Context) {
		filter := store.MessageFilter{
			Query:     c.Query("q"),
			ThreadID:  c.Query("thread_id"),
			LabelID:   c.Query("label"),
			IsRead:    queryBool(c, "is_read"),
			IsStarred: queryBool(c, "is_starred"),
			Limit:     queryInt(c, "limit", 50),
			Offset:    queryInt(c, "offset", 0),
		}

		messages, err := mailStore.SearchMessages(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, messages)
	})

	authorized.GET("/accounts/:id/conversations", func(c *gin.Context) {
		conversations, err := mailStore.ListConversations(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, conversations)
	})

	authorized.GET("/accounts/:id/labels", func(c *gin.Context) {
		labels, err := mailStore.ListLabels(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, labels)
	})

	log.Fatal(r.Run(cfg.HTTPAddr))
}

func authMiddleware(secret []byte, verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse([]byte(tokenString),
			jwt.WithKey(jwa.HS256, secret),
			jwt.WithValidate(true),
		)
		if err == nil {
			c.Set("user_id", token.Subject())
			if username, ok := token.Get("username"); ok {
				c.Set("username", username)
			}
			c.Next()
			return
		}

		if verifier != nil {
			identity, verr := verifier.IdentityFromRequest(c.Request)
			if verr == nil {
				c.Set("user_id", identity.ID)
				c.Set("username", identity.Email)
				c.Next()
				return
			}
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		c.Abort()
	}
}

func queryBool(c *gin.Context, key string) *bool {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
