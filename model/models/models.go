package models

import (
	_ "github.com/forgerun/forge/model/models/bert"
	_ "github.com/forgerun/forge/model/models/deepseek2"
	_ "github.com/forgerun/forge/model/models/deepseekocr"
	_ "github.com/forgerun/forge/model/models/gemma2"
	_ "github.com/forgerun/forge/model/models/gemma3"
	_ "github.com/forgerun/forge/model/models/gemma3n"
	_ "github.com/forgerun/forge/model/models/gptoss"
	_ "github.com/forgerun/forge/model/models/llama"
	_ "github.com/forgerun/forge/model/models/llama4"
	_ "github.com/forgerun/forge/model/models/mistral3"
	_ "github.com/forgerun/forge/model/models/mllama"
	_ "github.com/forgerun/forge/model/models/nomicbert"
	_ "github.com/forgerun/forge/model/models/olmo3"
	_ "github.com/forgerun/forge/model/models/qwen2"
	_ "github.com/forgerun/forge/model/models/qwen25vl"
	_ "github.com/forgerun/forge/model/models/qwen3"
	_ "github.com/forgerun/forge/model/models/qwen3vl"
)
