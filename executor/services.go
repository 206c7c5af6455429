package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Task is the payload handed to the task collaborator. RequestID is the
// firing's stable id so the collaborator can deduplicate redelivery.
type Task struct {
	RequestID string
	RecordID  string
	Title     string
	Priority  string
	Assignee  string
	DueAt     time.Time
}

// TaskService creates tasks in the owning application.
type TaskService interface {
	CreateTask(ctx context.Context, task Task) error
}

// Notification is an in-app notification payload.
type Notification struct {
	RequestID string
	RecordID  string
	Message   string
	Audience  string
}

// NotificationService delivers in-app notifications.
type NotificationService interface {
	Notify(ctx context.Context, n Notification) error
}

// Email is a templated email send request.
type Email struct {
	RequestID string
	RecordID  string
	Template  string
	To        string
}

// EmailService sends templated email.
type EmailService interface {
	Send(ctx context.Context, e Email) error
}

// UserDirectory resolves a specialization (or role) to a user id for
// by_specialization assignee strategies.
type UserDirectory interface {
	FindBySpecialization(ctx context.Context, specialization string) (string, error)
}

// InMemoryTaskService records created tasks for inspection/testing.
type InMemoryTaskService struct {
	mu    sync.Mutex
	tasks []Task
	fail  error
}

func NewInMemoryTaskService() *InMemoryTaskService { return &InMemoryTaskService{} }

// FailWith makes subsequent CreateTask calls return err. Pass nil to heal.
func (s *InMemoryTaskService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *InMemoryTaskService) CreateTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Tasks returns a copy of all created tasks.
func (s *InMemoryTaskService) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// InMemoryNotificationService records notifications for inspection/testing.
type InMemoryNotificationService struct {
	mu   sync.Mutex
	sent []Notification
	fail error
}

func NewInMemoryNotificationService() *InMemoryNotificationService {
	return &InMemoryNotificationService{}
}

func (s *InMemoryNotificationService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *InMemoryNotificationService) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *InMemoryNotificationService) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

// InMemoryEmailService records sent email for inspection/testing.
type InMemoryEmailService struct {
	mu   sync.Mutex
	sent []Email
	fail error
}

func NewInMemoryEmailService() *InMemoryEmailService { return &InMemoryEmailService{} }

func (s *InMemoryEmailService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *InMemoryEmailService) Send(_ context.Context, e Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, e)
	return nil
}

func (s *InMemoryEmailService) Sent() []Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Email, len(s.sent))
	copy(out, s.sent)
	return out
}

// StaticUserDirectory resolves specializations from a fixed map.
type StaticUserDirectory map[string]string

func (d StaticUserDirectory) FindBySpecialization(_ context.Context, specialization string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(specialization))
	if user, ok := d[key]; ok && strings.TrimSpace(user) != "" {
		return user, nil
	}
	return "", fmt.Errorf("no user registered for specialization %q", specialization)
}
