// Package types 定义 speechflow 的核心数据模型与统一错误体系，
// 包括语音请求/结果、请求指纹和跨组件共享的错误码。
// 本包不依赖任何其他 speechflow 包，处于依赖图的最底层。
package types
