package handlers

import "net/http"

// Routes registers every endpoint on a new mux.
func (m Main) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/prompt/render", m.HandlePromptRender)
	mux.HandleFunc("GET /api/prompt/presets", m.HandlePresets)

	mux.HandleFunc("POST /api/llm/complete", m.HandleComplete)
	mux.HandleFunc("GET /api/llm/stream", m.HandleStream)
	mux.HandleFunc("GET /api/llm/model", m.HandleModelInfo)
	mux.HandleFunc("GET /api/llm/models", m.HandleModels)
	mux.HandleFunc("POST /api/llm/model/load", m.HandleLoadModel)
	mux.HandleFunc("POST /api/llm/stop", m.HandleStopGeneration)

	mux.HandleFunc("POST /api/tokens/count", m.HandleTokenCount)
	mux.HandleFunc("POST /api/tokens/encode", m.HandleTokenEncode)
	mux.HandleFunc("POST /api/tokens/decode", m.HandleTokenDecode)

	mux.HandleFunc("POST /api/tts/generate", m.HandleTTSGenerate)
	mux.HandleFunc("GET /api/tts/speakers", m.HandleTTSSpeakers)
	mux.HandleFunc("POST /api/tts/play", m.HandleTTSPlay)

	mux.HandleFunc("POST /api/convert-to-wav", m.HandleConvertToWav)
	mux.HandleFunc("POST /api/convert-to-text", m.HandleConvertToText)
	mux.HandleFunc("POST /api/whisper-cpp", m.HandleWhisper)

	mux.HandleFunc("POST /api/imagen/txt2img", m.HandleTxt2Img)
	mux.HandleFunc("GET /api/imagen/samplers", m.HandleSamplers)
	mux.HandleFunc("GET /api/imagen/loras", m.HandleLoras)
	mux.HandleFunc("GET /api/imagen/models", m.HandleImageModels)
	mux.HandleFunc("POST /api/imagen/interrupt", m.HandleImageInterrupt)

	mux.HandleFunc("GET /api/api-keys", m.HandleAPIKeys)
	mux.HandleFunc("GET /api/status", m.HandleStatus)

	mux.HandleFunc("GET /api/roleplay/chats", m.HandleRoleplayChats)
	mux.HandleFunc("POST /api/roleplay/chats", m.HandleRoleplayNewChat)
	mux.HandleFunc("PUT /api/roleplay/chats/{id}", m.HandleRoleplayUpdateChat)
	mux.HandleFunc("DELETE /api/roleplay/chats/{id}", m.HandleRoleplayDeleteChat)
	mux.HandleFunc("GET /api/roleplay/chats/{id}/messages", m.HandleRoleplayMessages)
	mux.HandleFunc("POST /api/roleplay/chats/{id}/add", m.HandleRoleplayAdd)
	mux.HandleFunc("POST /api/roleplay/chats/{id}/send", m.HandleRoleplaySend)
	mux.HandleFunc("POST /api/roleplay/chats/{id}/continue", m.HandleRoleplayContinue)
	mux.HandleFunc("POST /api/roleplay/chats/{id}/fill", m.HandleRoleplayFill)
	mux.HandleFunc("POST /api/roleplay/chats/{id}/messages/{msgID}/regenerate", m.HandleRoleplayRegenerate)
	mux.HandleFunc("GET /api/roleplay/chats/{id}/export", m.HandleRoleplayExport)
	mux.HandleFunc("GET /sse/roleplay", m.HandleSSE)

	mux.HandleFunc("GET /api/chunks", m.HandleChunks)
	mux.HandleFunc("POST /api/chunks", m.HandleSaveChunk)
	mux.HandleFunc("GET /api/chunks/search", m.HandleSearchChunks)
	mux.HandleFunc("DELETE /api/chunks/{id}", m.HandleDeleteChunk)
	mux.HandleFunc("POST /api/chunks/{id}/split", m.HandleSplitChunk)
	mux.HandleFunc("POST /api/chunks/{id}/summarize", m.HandleSummarizeChunk)

	mux.HandleFunc("GET /api/settings/{key}", m.HandleGetSetting)
	mux.HandleFunc("PUT /api/settings/{key}", m.HandlePutSetting)

	mux.HandleFunc("POST /api/story/generate", m.HandleStoryGenerate)

	mux.HandleFunc("GET /api/tools", m.HandleTools)
	mux.HandleFunc("POST /api/tools/{name}", m.HandleCallTool)

	return mux
}

// HandleSSE serves the server-sent event stream of role-play updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}
