package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"cascade/api/internal/auth"
	"cascade/api/internal/config"
	"cascade/api/internal/notify"
	"cascade/api/internal/search"
	"cascade/api/internal/store"
	"cascade/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type CreateChainInput struct {
	Name  string                 `json:"name"`
	Tasks []CreateChainTaskInput `json:"tasks"`
}

type CreateChainTaskInput struct {
	ID          string                       `json:"id"`
	Title       string                       `json:"title"`
	SortOrder   int                          `json:"sortOrder"`
	Assignments []CreateChainAssignmentInput `json:"assignments"`
	DependsOn   []string                     `json:"dependsOn"`
}

type CreateChainAssignmentInput struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

var allowedRoles = map[string]struct{}{
	store.RoleWorker:   {},
	store.RoleApprover: {},
	store.RoleViewer:   {},
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListChains(context.Context) ([]store.Chain, error)
	GetChain(context.Context, string) (store.Chain, error)
	ListChainTasks(context.Context, string) ([]store.TaskDetail, error)
	GetTaskDetail(context.Context, string) (store.TaskDetail, error)
	ApproveTask(context.Context, string, string) (store.ApprovalResult, error)
	RevokeApproval(context.Context, string, string) error
	CreateChain(context.Context, store.ChainInput) (store.Chain, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh-token sessions. Redis when configured, the
// Postgres store otherwise.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchService interface {
	Search(q search.Query) ([]search.Result, int, error)
	IndexTask(record search.TaskRecord)
	IndexChain(record search.ChainRecord)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    refreshStore
	search      searchService
	listener    *notify.Listener
	broadcaster *notify.Broadcaster
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, searchSvc *search.Service, listener *notify.Listener, broadcaster *notify.Broadcaster) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	svc := &Service{
		cfg:         cfg,
		store:       dataStore,
		sessions:    sessions,
		listener:    listener,
		broadcaster: broadcaster,
	}
	// Leave the interface field nil for a nil pointer so the nil guards on
	// the search paths keep working.
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ListenerReady reports whether the change listener currently holds a live
// LISTEN connection.
func (s *Service) ListenerReady() bool {
	return s.listener != nil && s.listener.Ready()
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis session backend only keeps the user ID; resolve the display
	// name from Postgres before minting the new access token.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.SessionSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.SessionSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Approve runs the approval transaction for one (task, user) assignment.
// Precondition failures come back as typed errors; everything else is a
// transient store failure the caller may retry.
func (s *Service) Approve(ctx context.Context, taskID, userID string) (store.ApprovalResult, error) {
	result, err := s.store.ApproveTask(ctx, taskID, userID)
	if err != nil {
		return store.ApprovalResult{}, mapStoreError(err)
	}
	if result.TaskMarkedDone {
		s.reindexTask(ctx, taskID)
	}
	for _, unlocked := range result.Unlocked {
		s.reindexTask(ctx, unlocked)
	}
	return result, nil
}

// Revoke clears the caller's approval flag. Revoking an already-revoked
// assignment succeeds without effect.
func (s *Service) Revoke(ctx context.Context, taskID, userID string) error {
	if err := s.store.RevokeApproval(ctx, taskID, userID); err != nil {
		return mapStoreError(err)
	}
	return nil
}

func (s *Service) ListChains(ctx context.Context) ([]map[string]any, error) {
	chains, err := s.store.ListChains(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(chains))
	for _, chain := range chains {
		items = append(items, chainPayload(chain))
	}
	return items, nil
}

func (s *Service) GetChain(ctx context.Context, chainID string) (map[string]any, error) {
	chain, err := s.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListChainTasks(ctx, chainID)
	if err != nil {
		return nil, err
	}
	taskItems := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		taskItems = append(taskItems, taskPayload(task))
	}
	payload := chainPayload(chain)
	payload["tasks"] = taskItems
	return payload, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (map[string]any, error) {
	task, err := s.store.GetTaskDetail(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return taskPayload(task), nil
}

func (s *Service) CreateChain(ctx context.Context, userName string, input CreateChainInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(input.Tasks) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one task is required", nil)
	}

	storeInput := store.ChainInput{
		Name:      name,
		OwnerName: userName,
		Tasks:     make([]store.ChainTaskInput, 0, len(input.Tasks)),
	}
	for _, task := range input.Tasks {
		title := strings.TrimSpace(task.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "task title is required", nil)
		}
		taskInput := store.ChainTaskInput{
			ID:        strings.TrimSpace(task.ID),
			Title:     title,
			SortOrder: task.SortOrder,
			DependsOn: task.DependsOn,
		}
		for _, assignment := range task.Assignments {
			role := strings.ToLower(strings.TrimSpace(assignment.Role))
			if _, ok := allowedRoles[role]; !ok {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be one of worker, approver, viewer", nil)
			}
			if strings.TrimSpace(assignment.UserID) == "" {
				return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignment userId is required", nil)
			}
			taskInput.Assignments = append(taskInput.Assignments, store.ChainAssignmentInput{
				UserID: strings.TrimSpace(assignment.UserID),
				Role:   role,
			})
		}
		storeInput.Tasks = append(storeInput.Tasks, taskInput)
	}

	chain, err := s.store.CreateChain(ctx, storeInput)
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexChain(search.ChainRecord{
			ID:        chain.ID,
			Name:      chain.Name,
			OwnerName: chain.OwnerName,
		})
	}
	tasks, err := s.store.ListChainTasks(ctx, chain.ID)
	if err != nil {
		return nil, err
	}
	taskItems := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		if s.search != nil {
			s.search.IndexTask(search.TaskRecord{
				ID:      task.ID,
				Title:   task.Title,
				ChainID: task.ChainID,
				Status:  task.Status,
			})
		}
		taskItems = append(taskItems, taskPayload(task))
	}
	payload := chainPayload(chain)
	payload["tasks"] = taskItems
	return payload, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"results": []search.Result{}, "total": 0, "query": q.Text}, nil
	}
	results, total, err := s.search.Search(q)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []search.Result{}
	}
	return map[string]any{
		"results": results,
		"total":   total,
		"query":   q.Text,
	}, nil
}

// reindexTask refreshes the search document for a task whose status changed.
// Best effort; Postgres remains the source of truth.
func (s *Service) reindexTask(ctx context.Context, taskID string) {
	if s.search == nil {
		return
	}
	task, err := s.store.GetTaskDetail(ctx, taskID)
	if err != nil {
		log.Printf("reindex task %s: %v", taskID, err)
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:      task.ID,
		Title:   task.Title,
		ChainID: task.ChainID,
		Status:  task.Status,
	})
}

func chainPayload(chain store.Chain) map[string]any {
	return map[string]any{
		"id":        chain.ID,
		"name":      chain.Name,
		"ownerName": chain.OwnerName,
		"createdAt": chain.CreatedAt.Format(time.RFC3339),
		"updatedAt": chain.UpdatedAt.Format(time.RFC3339),
	}
}

func taskPayload(task store.TaskDetail) map[string]any {
	assignments := make([]map[string]any, 0, len(task.Assignments))
	for _, assignment := range task.Assignments {
		assignments = append(assignments, map[string]any{
			"userId":   assignment.UserID,
			"userName": assignment.UserName,
			"role":     assignment.Role,
			"approved": assignment.Approved,
		})
	}
	dependsOn := task.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	return map[string]any{
		"id":          task.ID,
		"chainId":     task.ChainID,
		"title":       task.Title,
		"status":      task.Status,
		"sortOrder":   task.SortOrder,
		"assignments": assignments,
		"dependsOn":   dependsOn,
	}
}
