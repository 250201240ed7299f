package biz

import (
	"context"
	stderrors "errors"

	"github.com/kart-io/studymate/pkg/utils/errors"
)

// embeddingError 将嵌入服务错误映射为可重试的 Errno，已是 Errno 的错误原样返回。
func embeddingError(ctx context.Context, err error) error {
	return providerError(ctx, err, errors.ErrEmbeddingUnavailable)
}

// generationError 将生成服务错误映射为可重试的 Errno。
func generationError(ctx context.Context, err error) error {
	return providerError(ctx, err, errors.ErrGenerationUnavailable)
}

func providerError(ctx context.Context, err error, unavailable *errors.Errno) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.ErrTimeout.WithCause(ctxErr)
	}
	var e *errors.Errno
	if stderrors.As(err, &e) {
		return e
	}
	return unavailable.WithCause(err)
}
