// speechflow 命令提供编排引擎的 HTTP 服务入口，
// 暴露 STT/TTS 接口、健康检查与 Prometheus 指标。
package main
