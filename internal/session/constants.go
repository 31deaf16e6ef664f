package session

// WelcomeMessage is the canned assistant greeting recorded on first boot.
const WelcomeMessage = "你好，我是 OK Computer。告诉我你的想法，我可以同步生成网页与 PPT 预览。"

// BootModelName is reported as the model for the boot payload, which is
// produced without touching the chat model.
const BootModelName = "OKC-Orchestrator"

// BootSummary is the meta summary attached to the boot payload.
const BootSummary = "Workbench Initialized"

// StudioHTML is the landing preview rendered before the first chat turn.
const StudioHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>灵感孵化室</title>
  <style>
    body { margin: 0; font-family: 'Inter', system-ui; background: #0f172a; color: white; }
    main { min-height: 100vh; display: grid; place-items: center; padding: 40px; }
    .card { max-width: 720px; background: rgba(15, 23, 42, 0.65); border-radius: 24px; padding: 40px; border: 1px solid rgba(148, 163, 184, 0.25); box-shadow: 0 24px 60px -35px rgba(15, 23, 42, 0.9); }
    h1 { margin-top: 0; font-size: clamp(36px, 8vw, 64px); }
    p { line-height: 1.8; }
  </style>
</head>
<body>
  <main>
    <article class="card">
      <h1>灵感孵化室</h1>
      <p>在这里你可以快速验证创意、生成视觉稿，并将思考沉淀为可用的网页或演示文档。试着提出一个需求吧！</p>
    </article>
  </main>
</body>
</html>`

// bootSlides is the placeholder deck shown alongside the studio preview.
func bootSlides() []any {
	return []any{
		map[string]any{
			"title":   "灵感孵化室能力",
			"bullets": []string{"网页 / PPT 一体生成", "模型调用透明可追踪", "可视化实时预览"},
		},
		map[string]any{
			"title":   "示例需求",
			"bullets": []string{"品牌落地页", "产品发布会演示", "活动招募物料"},
		},
	}
}
