package tasks

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

const DefaultSystemInstruction = `你是一位资深的电商广告投放分析专家。
你的任务是基于用户上传的“完整数据包”（Excel数据 + 封面图 + 视频）进行深度归因分析。

【分析逻辑】
1. **数据诊断**：根据 Excel (JSON) 数据，指出消耗、GMV、ROI 的关键表现和波动。
2. **素材归因**：
   - 结合视频的前3秒内容、BGM、节奏，分析为什么这个视频在这个数据表现下是好/坏的。
   - 结合封面图，分析点击率 (CTR) 与封面的关系。
3. **结论与建议**：不要模棱两可，直接给出“继续放量”、“暂停”、“修改开头”等具体指令。

输出风格：专业、直接、行动导向。`

// DefaultPromptTemplate is rendered with the serialized record bundle as .Data.
const DefaultPromptTemplate = "这是投放数据(JSON)：\n{{.Data}}\n\n请结合图片和视频进行联合分析。"

type promptData struct {
	Data string
}

func parsePromptTemplate(text string) (*template.Template, error) {
	tmpl, err := template.New("initial_prompt").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}
	return tmpl, nil
}

func renderPrompt(tmpl *template.Template, data string) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptData{Data: data}); err != nil {
		return "", fmt.Errorf("error rendering prompt: %w", err)
	}
	return buf.String(), nil
}

// LoadSystemInstruction returns the contents of path, or DefaultSystemInstruction when path is empty.
func LoadSystemInstruction(path string) (string, error) {
	if path == "" {
		return DefaultSystemInstruction, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading system instruction %s: %w", path, err)
	}
	return string(data), nil
}
