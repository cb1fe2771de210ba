package gateway

import (
	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/pkg/apierror"
)

// Stage はパイプラインの1段階。
// エラーを返すとエラーエンベロープでリクエストを打ち切る。
// エラー以外の終端レスポンスを返す場合はStage自身がGinコンテキストを中断する。
type Stage interface {
	// Name はログ用のステージ名。
	Name() string
	// Process はリクエストを処理する。
	Process(c *gin.Context) error
}

// Pipeline は宣言順にステージを実行する。
type Pipeline struct {
	stages []Stage
}

// NewPipeline は与えられた順序でステージを実行するPipelineを生成する。
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages はステージ名を実行順に返す。
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.stages))
	for _, s := range p.stages {
		names = append(names, s.Name())
	}
	return names
}

// Handler はパイプラインをGinミドルウェアとして返す。
// 全ステージを通過した場合のみ後続のハンドラが実行される。
func (p *Pipeline) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, s := range p.stages {
			if err := s.Process(c); err != nil {
				apierror.Abort(c, err)
				return
			}
			if c.IsAborted() {
				return
			}
		}
	}
}
