package job

import (
	"context"
	"time"
)

type UserReviewer interface {
	ReviewUsers(ctx context.Context) error
}

// UserReviewJob applies expiry, on hold timeouts and next plans to users
// that produced no traffic.
type UserReviewJob struct {
	users   UserReviewer
	timeout time.Duration
}

func NewUserReviewJob(users UserReviewer, timeout time.Duration) *UserReviewJob {
	return &UserReviewJob{users: users, timeout: timeout}
}

func (j *UserReviewJob) Run() {
	run("UserReviewJob", j.timeout, j.users.ReviewUsers)
}
