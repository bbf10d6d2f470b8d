// 软件包speech提供统一的TTS和STT供应商能力接口及官方适配器.
//
// 适配器是编排引擎之下的最薄一层：一次 HTTP 调用、一次错误分类，
// 不做任何内部重试——重试、熔断与限流全部由上层编排器集中处理。
package speech
